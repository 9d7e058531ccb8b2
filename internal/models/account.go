package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AccountStatus is the persisted health state of an account. There is no
// persisted "leased" status: a live lease is represented by an unexpired
// lease token on the row.
type AccountStatus string

const (
	StatusReady       AccountStatus = "ready"
	StatusQuarantined AccountStatus = "quarantined"
)

// Effective states reported by HealthReport. Cooling and leased are
// derived from cooldown_until and the lease token respectively.
const (
	StateReady       = "ready"
	StateCooling     = "cooling"
	StateLeased      = "leased"
	StateQuarantined = "quarantined"
)

// AccountCredential is the secret material needed to authenticate one
// account. Immutable once seeded; rotation happens outside this system.
type AccountCredential struct {
	ClientID     string `json:"clientId" db:"client_id"`
	ClientSecret string `json:"-" db:"client_secret"`
	Username     string `json:"username" db:"username"`
	Password     string `json:"-" db:"password"`
}

// String masks the secret fields so a formatted lease or account record
// never carries them into logs.
func (c AccountCredential) String() string {
	return fmt.Sprintf("AccountCredential{ClientID:%s Username:%s}", c.ClientID, c.Username)
}

// AccountRecord represents one account row.
type AccountRecord struct {
	AccountID     string            `json:"accountId" db:"account_id"`
	Credential    AccountCredential `json:"credential"`
	Status        AccountStatus     `json:"status" db:"status"`
	CooldownUntil time.Time         `json:"cooldownUntil" db:"cooldown_until"`
	FailCount     int               `json:"failCount" db:"fail_count"`
	LastError     *string           `json:"lastError,omitempty" db:"last_error"`
	ProxyID       *string           `json:"proxyId,omitempty" db:"proxy_id"`
	CreatedAt     time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time         `json:"updatedAt" db:"updated_at"`
}

// Lease is an exclusive claim on one account plus its bound proxy.
// At most one live lease exists per account at any time; the token must
// be presented on every operation that ends or modifies the claim.
type Lease struct {
	AccountID  string            `json:"accountId"`
	Token      uuid.UUID         `json:"token"`
	Credential AccountCredential `json:"credential"`
	FailCount  int               `json:"failCount"`
	Proxy      *ProxyConfig      `json:"proxy,omitempty"`
	AcquiredAt time.Time         `json:"acquiredAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
}
