package models

import "time"

// ProxyRecord represents one proxy row, including its rolling health
// counters. Proxies are shared, not exclusively owned: rotation skips an
// unhealthy proxy but never deletes it.
type ProxyRecord struct {
	ProxyID      string     `json:"proxyId" db:"proxy_id"`
	HTTPURL      string     `json:"httpUrl" db:"http_url"`
	HTTPSURL     string     `json:"httpsUrl" db:"https_url"`
	Tag          string     `json:"tag" db:"tag"`
	Provider     string     `json:"provider" db:"provider"`
	SuccessCount int64      `json:"successCount" db:"success_count"`
	FailureCount int64      `json:"failureCount" db:"failure_count"`
	FailStreak   int        `json:"failStreak" db:"fail_streak"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty" db:"last_used_at"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
}

// ProxyConfig is the connection view of a proxy handed out with a lease.
type ProxyConfig struct {
	ProxyID  string `json:"proxyId"`
	HTTPURL  string `json:"httpUrl"`
	HTTPSURL string `json:"httpsUrl"`
	Tag      string `json:"tag,omitempty"`
	Provider string `json:"provider,omitempty"`
}
