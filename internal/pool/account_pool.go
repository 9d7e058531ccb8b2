// Package pool implements leasing of harvesting accounts and egress
// proxies on top of shared Postgres state. All coordination happens in the
// rows themselves, so any number of worker processes can share one pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harvest-pool/internal/audit"
	apperrors "github.com/harvest-pool/internal/errors"
	"github.com/harvest-pool/internal/logging"
	"github.com/harvest-pool/internal/models"
	"github.com/harvest-pool/internal/storage"
)

// Default account pool configuration values.
const (
	DefaultCooldownBad     = 60 * time.Second
	DefaultQuarantineFails = 5
	DefaultLeaseTTL        = 15 * time.Minute
)

// QuarantineReasonFailures is recorded when repeated failures trip the
// quarantine threshold.
const QuarantineReasonFailures = "repeated-failures"

// HealthReport is a point-in-time census of the pool.
type HealthReport struct {
	Accounts     map[string]int `json:"accounts"`
	Proxies      *ProxyHealth   `json:"proxies,omitempty"`
	AuditDropped int64          `json:"auditDropped"`
}

// AccountPool leases accounts to harvester workers. Each lease is an
// exclusive claim enforced by a token on the account row; release, cooldown
// and quarantine all present the token and fail when it no longer matches,
// so a worker that lost its claim can never corrupt another worker's lease.
type AccountPool struct {
	accounts        *storage.AccountRepository
	proxies         *ProxyPool
	recorder        *audit.Recorder
	cooldownBad     time.Duration
	quarantineFails int
	leaseTTL        time.Duration
	logger          *logging.Logger
}

// AccountPoolConfig holds configuration for the account pool.
type AccountPoolConfig struct {
	// Accounts is the account repository. Required.
	Accounts *storage.AccountRepository

	// Proxies supplies egress proxies for leases. Optional; without it
	// leases carry no proxy.
	Proxies *ProxyPool

	// Recorder receives transition events. Optional.
	Recorder *audit.Recorder

	// CooldownBad gates an account after a failed release. Default: 60s.
	CooldownBad time.Duration

	// QuarantineFails is the fail count at which an account is quarantined.
	// Default: 5.
	QuarantineFails int

	// LeaseTTL bounds how long a claim outlives a crashed holder before the
	// account becomes claimable again. Default: 15m.
	LeaseTTL time.Duration

	// Logger is used for lease lifecycle events. Default: the global logger.
	Logger *logging.Logger
}

// Validate checks if the configuration is valid.
func (c *AccountPoolConfig) Validate() error {
	if c.Accounts == nil {
		return errors.New("account repository is required")
	}
	if c.CooldownBad < 0 {
		return errors.New("bad-release cooldown cannot be negative")
	}
	if c.QuarantineFails < 0 {
		return errors.New("quarantine threshold cannot be negative")
	}
	if c.LeaseTTL < 0 {
		return errors.New("lease TTL cannot be negative")
	}
	return nil
}

// NewAccountPool creates a new account pool with the given configuration.
func NewAccountPool(cfg *AccountPoolConfig) (*AccountPool, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cooldownBad := cfg.CooldownBad
	if cooldownBad == 0 {
		cooldownBad = DefaultCooldownBad
	}

	quarantineFails := cfg.QuarantineFails
	if quarantineFails == 0 {
		quarantineFails = DefaultQuarantineFails
	}

	leaseTTL := cfg.LeaseTTL
	if leaseTTL == 0 {
		leaseTTL = DefaultLeaseTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &AccountPool{
		accounts:        cfg.Accounts,
		proxies:         cfg.Proxies,
		recorder:        cfg.Recorder,
		cooldownBad:     cooldownBad,
		quarantineFails: quarantineFails,
		leaseTTL:        leaseTTL,
		logger:          logger,
	}, nil
}

// Acquire leases the most eligible account, binding its proxy. Fails fast
// with PoolExhausted when every account is cooling, leased or quarantined;
// the caller decides whether to back off or run the sweep later.
func (p *AccountPool) Acquire(ctx context.Context) (*models.Lease, error) {
	token := uuid.New()
	account, err := p.accounts.Claim(ctx, token, p.leaseTTL)
	if err != nil {
		if errors.Is(err, storage.ErrNoEligibleAccount) {
			return nil, apperrors.NewPoolExhausted("pool.Acquire")
		}
		return nil, apperrors.NewStoreUnavailable("pool.Acquire", err)
	}

	return p.buildLease(ctx, account, token), nil
}

// AcquireByID leases one specific account under the same eligibility rules
// as Acquire. The health prober uses this so probes and harvest runs share
// the same exclusivity machinery.
func (p *AccountPool) AcquireByID(ctx context.Context, accountID string) (*models.Lease, error) {
	token := uuid.New()
	account, err := p.accounts.ClaimByID(ctx, accountID, token, p.leaseTTL)
	if err != nil {
		if errors.Is(err, storage.ErrNoEligibleAccount) {
			return nil, apperrors.NewPoolExhausted("pool.AcquireByID")
		}
		return nil, apperrors.NewStoreUnavailable("pool.AcquireByID", err)
	}

	return p.buildLease(ctx, account, token), nil
}

// buildLease assembles the caller-facing lease and records the acquisition.
func (p *AccountPool) buildLease(ctx context.Context, account *models.AccountRecord, token uuid.UUID) *models.Lease {
	now := time.Now().UTC()
	lease := &models.Lease{
		AccountID:  account.AccountID,
		Token:      token,
		Credential: account.Credential,
		FailCount:  account.FailCount,
		Proxy:      p.bindProxy(ctx, account),
		AcquiredAt: now,
		ExpiresAt:  now.Add(p.leaseTTL),
	}

	p.logger.WithFields(map[string]interface{}{
		"account_id": account.AccountID,
		"fail_count": account.FailCount,
	}).Debug("Account leased")

	p.recorder.Record(&models.TransitionEvent{
		AccountID: account.AccountID,
		Event:     models.EventAcquired,
		FailCount: account.FailCount,
	})

	return lease
}

// bindProxy picks the proxy for a lease: the account's pinned proxy when it
// is usable, otherwise the next proxy in rotation. A lease without a proxy
// is still serviceable, so rotation problems are logged rather than
// surfaced.
func (p *AccountPool) bindProxy(ctx context.Context, account *models.AccountRecord) *models.ProxyConfig {
	if p.proxies == nil {
		return nil
	}

	if account.ProxyID != nil && *account.ProxyID != "" {
		cfg, err := p.proxies.Pinned(ctx, *account.ProxyID)
		if err != nil {
			p.logger.WithError(err).WithField("proxy_id", *account.ProxyID).Warn("Failed to look up pinned proxy")
		} else if cfg != nil {
			return cfg
		}
	}

	cfg, err := p.proxies.Acquire(ctx)
	if err != nil {
		if apperrors.IsNoHealthyProxy(err) {
			p.logger.WithField("account_id", account.AccountID).Warn("No healthy proxy in rotation, leasing without proxy")
		} else {
			p.logger.WithError(err).Warn("Proxy rotation failed, leasing without proxy")
		}
		return nil
	}

	return cfg
}

// Release ends a lease. On success the account's cooldown is clamped to now
// and its fail count decays by one; on failure the fail count is bumped,
// the cooldown extended to at least the bad-release window, and the account
// quarantined once the count reaches the threshold. The bound proxy's
// health is reported alongside.
func (p *AccountPool) Release(ctx context.Context, lease *models.Lease, success bool) error {
	if lease == nil {
		return apperrors.NewInvalidLease("pool.Release", "")
	}

	if success {
		if err := p.accounts.ReleaseSuccess(ctx, lease.AccountID, lease.Token); err != nil {
			if errors.Is(err, storage.ErrStaleLease) {
				return apperrors.NewInvalidLease("pool.Release", lease.AccountID)
			}
			return apperrors.NewStoreUnavailable("pool.Release", err)
		}

		p.reportProxy(ctx, lease, true)
		p.recorder.Record(&models.TransitionEvent{
			AccountID: lease.AccountID,
			Event:     models.EventReleased,
			Outcome:   "success",
		})
		return nil
	}

	failCount, status, err := p.accounts.ReleaseFailure(ctx, lease.AccountID, lease.Token, p.cooldownBad.Seconds(), p.quarantineFails)
	if err != nil {
		if errors.Is(err, storage.ErrStaleLease) {
			return apperrors.NewInvalidLease("pool.Release", lease.AccountID)
		}
		return apperrors.NewStoreUnavailable("pool.Release", err)
	}

	p.reportProxy(ctx, lease, false)

	if status == models.StatusQuarantined {
		p.logger.WithFields(map[string]interface{}{
			"account_id": lease.AccountID,
			"fail_count": failCount,
		}).Warn("Account quarantined after repeated failures")

		p.recorder.Record(&models.TransitionEvent{
			AccountID: lease.AccountID,
			Event:     models.EventQuarantined,
			Outcome:   "failure",
			Reason:    QuarantineReasonFailures,
			FailCount: failCount,
		})
		return nil
	}

	p.recorder.Record(&models.TransitionEvent{
		AccountID: lease.AccountID,
		Event:     models.EventReleased,
		Outcome:   "failure",
		FailCount: failCount,
	})
	return nil
}

// Cooldown rests a leased account for the given duration and records why.
// The lease stays live; the typical pattern is Cooldown followed by
// Release(false) when a harvest run hits a rate-limit signal.
func (p *AccountPool) Cooldown(ctx context.Context, lease *models.Lease, d time.Duration, reason string) error {
	if lease == nil {
		return apperrors.NewInvalidLease("pool.Cooldown", "")
	}
	if d < 0 {
		return fmt.Errorf("pool.Cooldown: negative duration %v", d)
	}

	if err := p.accounts.SetCooldown(ctx, lease.AccountID, lease.Token, d.Seconds(), reason); err != nil {
		if errors.Is(err, storage.ErrStaleLease) {
			return apperrors.NewInvalidLease("pool.Cooldown", lease.AccountID)
		}
		return apperrors.NewStoreUnavailable("pool.Cooldown", err)
	}

	p.recorder.Record(&models.TransitionEvent{
		AccountID: lease.AccountID,
		Event:     models.EventCooldown,
		Reason:    reason,
	})
	return nil
}

// Quarantine pulls a leased account out of rotation and ends the lease.
// The account stays quarantined until an operator resets it.
func (p *AccountPool) Quarantine(ctx context.Context, lease *models.Lease, reason string) error {
	if lease == nil {
		return apperrors.NewInvalidLease("pool.Quarantine", "")
	}

	if err := p.accounts.QuarantineLeased(ctx, lease.AccountID, lease.Token, reason); err != nil {
		if errors.Is(err, storage.ErrStaleLease) {
			return apperrors.NewInvalidLease("pool.Quarantine", lease.AccountID)
		}
		return apperrors.NewStoreUnavailable("pool.Quarantine", err)
	}

	p.logger.WithFields(map[string]interface{}{
		"account_id": lease.AccountID,
		"reason":     reason,
	}).Warn("Account quarantined")

	p.recorder.Record(&models.TransitionEvent{
		AccountID: lease.AccountID,
		Event:     models.EventQuarantined,
		Reason:    reason,
	})
	return nil
}

// QuarantineAccount pulls an account out of rotation by ID, revoking any
// live lease on it. For operator and supervisor use; workers holding a
// lease go through Quarantine instead.
func (p *AccountPool) QuarantineAccount(ctx context.Context, accountID, reason string) error {
	if err := p.accounts.QuarantineByID(ctx, accountID, reason); err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return fmt.Errorf("pool.QuarantineAccount: %w", err)
		}
		return apperrors.NewStoreUnavailable("pool.QuarantineAccount", err)
	}

	p.logger.WithFields(map[string]interface{}{
		"account_id": accountID,
		"reason":     reason,
	}).Warn("Account quarantined")

	p.recorder.Record(&models.TransitionEvent{
		AccountID: accountID,
		Event:     models.EventQuarantined,
		Reason:    reason,
	})
	return nil
}

// ResetAccount returns a quarantined account to service with a clean
// slate. This is the only path out of quarantine.
func (p *AccountPool) ResetAccount(ctx context.Context, accountID string) (*models.AccountRecord, error) {
	account, err := p.accounts.Reset(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) || errors.Is(err, storage.ErrNotQuarantined) {
			return nil, fmt.Errorf("pool.ResetAccount: %w", err)
		}
		return nil, apperrors.NewStoreUnavailable("pool.ResetAccount", err)
	}

	p.logger.WithField("account_id", accountID).Info("Account reset to ready")

	p.recorder.Record(&models.TransitionEvent{
		AccountID: accountID,
		Event:     models.EventReset,
	})
	return account, nil
}

// GetAccount retrieves one account record.
func (p *AccountPool) GetAccount(ctx context.Context, accountID string) (*models.AccountRecord, error) {
	account, err := p.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, fmt.Errorf("pool.GetAccount: %w", err)
		}
		return nil, apperrors.NewStoreUnavailable("pool.GetAccount", err)
	}
	return account, nil
}

// HealthReport counts accounts by effective state, plus the proxy rotation
// when one is attached and the number of audit events shed under pressure.
func (p *AccountPool) HealthReport(ctx context.Context) (*HealthReport, error) {
	counts, err := p.accounts.CountsByState(ctx)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("pool.HealthReport", err)
	}

	report := &HealthReport{
		Accounts:     counts,
		AuditDropped: p.recorder.Dropped(),
	}
	if p.proxies != nil {
		proxies, err := p.proxies.Health(ctx)
		if err != nil {
			return nil, err
		}
		report.Proxies = proxies
	}

	return report, nil
}

// ProbeTargets lists ready accounts for the health prober to sweep.
func (p *AccountPool) ProbeTargets(ctx context.Context, limit int) ([]string, error) {
	ids, err := p.accounts.ListIDsByStatus(ctx, models.StatusReady, limit)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("pool.ProbeTargets", err)
	}
	return ids, nil
}

// reportProxy feeds the lease outcome back into the bound proxy's health.
// Best-effort: the account release already succeeded.
func (p *AccountPool) reportProxy(ctx context.Context, lease *models.Lease, success bool) {
	if p.proxies == nil || lease.Proxy == nil {
		return
	}

	var err error
	if success {
		err = p.proxies.ReportSuccess(ctx, lease.Proxy.ProxyID)
	} else {
		err = p.proxies.ReportFailure(ctx, lease.Proxy.ProxyID)
	}
	if err != nil {
		p.logger.WithError(err).WithField("proxy_id", lease.Proxy.ProxyID).Warn("Failed to report proxy outcome")
	}
}
