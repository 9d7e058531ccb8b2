// Package classify folds heterogeneous upstream signals (status codes,
// error strings, transport failures) into a closed outcome enum. It is
// the single decision table between the platform boundary and the pool's
// state transitions; nothing downstream inspects raw errors.
package classify

import (
	"errors"
	"net"
	"net/http"
	"strings"
)

// Outcome is the classified result of one upstream call.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeRateLimited  Outcome = "rate-limited"
	OutcomeAuthFailed   Outcome = "auth-failed"
	OutcomeNetworkError Outcome = "network-error"
)

// errorMarkers maps substrings of upstream error text to outcomes, checked
// in order. Anything unmatched is a network error, which drives a cooldown
// rather than a quarantine.
var errorMarkers = []struct {
	marker  string
	outcome Outcome
}{
	{"too many requests", OutcomeRateLimited},
	{"rate limit", OutcomeRateLimited},
	{"ratelimit", OutcomeRateLimited},
	{"429", OutcomeRateLimited},
	{"unauthorized", OutcomeAuthFailed},
	{"forbidden", OutcomeAuthFailed},
	{"invalid_grant", OutcomeAuthFailed},
	{"invalid credentials", OutcomeAuthFailed},
	{"401", OutcomeAuthFailed},
	{"403", OutcomeAuthFailed},
}

// Classify folds an HTTP status code or transport error into an Outcome.
// The error takes precedence: a response that never arrived has no usable
// status code.
func Classify(statusCode int, err error) Outcome {
	if err != nil {
		return classifyError(err)
	}
	return classifyStatus(statusCode)
}

func classifyStatus(code int) Outcome {
	switch {
	case code == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return OutcomeAuthFailed
	case code >= 200 && code < 300:
		return OutcomeSuccess
	default:
		return OutcomeNetworkError
	}
}

func classifyError(err error) Outcome {
	// Transport failures are network errors regardless of message text;
	// dial addresses carry digits that would trip the numeric markers.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeNetworkError
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range errorMarkers {
		if strings.Contains(msg, rule.marker) {
			return rule.outcome
		}
	}
	return OutcomeNetworkError
}
