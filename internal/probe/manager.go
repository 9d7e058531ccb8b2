package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harvest-pool/internal/audit"
	"github.com/harvest-pool/internal/circuitbreaker"
	"github.com/harvest-pool/internal/classify"
	apperrors "github.com/harvest-pool/internal/errors"
	"github.com/harvest-pool/internal/logging"
	"github.com/harvest-pool/internal/models"
)

// Default manager configuration values.
const (
	DefaultProbeInterval = 60 * time.Second
	DefaultConcurrency   = 10
	DefaultSweepLimit    = 100
	DefaultCooldownRate  = 120 * time.Second
)

// CooldownReasonRateLimit is recorded when a probe hits a rate limit.
const CooldownReasonRateLimit = "rate-limit"

// QuarantineReasonAuth is recorded when a probe hits an authentication
// failure.
const QuarantineReasonAuth = "auth"

// Pool is the slice of the account pool the prober drives. Probe side
// effects go through the same operations harvesters use, so the account
// state machine stays single-sourced.
type Pool interface {
	ProbeTargets(ctx context.Context, limit int) ([]string, error)
	AcquireByID(ctx context.Context, accountID string) (*models.Lease, error)
	Release(ctx context.Context, lease *models.Lease, success bool) error
	Cooldown(ctx context.Context, lease *models.Lease, d time.Duration, reason string) error
	Quarantine(ctx context.Context, lease *models.Lease, reason string) error
}

// Limiter declares the shared heavy-operation bucket on startup so the
// limiter is usable before any harvester runs.
type Limiter interface {
	EnsureBucket(ctx context.Context, name string, capacity, refillRate float64) error
}

// HeavyBucket describes the well-known bucket declared on startup.
type HeavyBucket struct {
	Name       string
	Capacity   float64
	RefillRate float64
}

// Manager sweeps ready accounts through the prober on a fixed interval.
type Manager struct {
	pool     Pool
	prober   Prober
	limiter  Limiter
	recorder *audit.Recorder
	breaker  *circuitbreaker.CircuitBreaker
	heavy    HeavyBucket

	interval     time.Duration
	concurrency  int
	sweepLimit   int
	cooldownRate time.Duration
	logger       *logging.Logger

	bucketReady bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// ManagerConfig holds configuration for the probe manager.
type ManagerConfig struct {
	// Pool is the account pool to sweep. Required.
	Pool Pool

	// Prober performs the per-account health call. Required.
	Prober Prober

	// Limiter receives the heavy-bucket declaration on startup. Optional.
	Limiter Limiter

	// Heavy describes the bucket declared through Limiter. Required when
	// Limiter is set.
	Heavy HeavyBucket

	// Recorder receives probe events. Optional.
	Recorder *audit.Recorder

	// Breaker guards the probe endpoint. When it is open, probes are
	// skipped without claiming accounts so an endpoint outage never
	// penalizes the pool. Optional.
	Breaker *circuitbreaker.CircuitBreaker

	// Interval is how often to sweep. Default: 60s.
	Interval time.Duration

	// Concurrency bounds in-flight probes within one sweep. Default: 10.
	Concurrency int

	// SweepLimit bounds how many accounts one sweep touches. Default: 100.
	SweepLimit int

	// CooldownRate is the rest imposed when a probe hits a rate limit.
	// Default: 120s.
	CooldownRate time.Duration

	// Logger is used for sweep events. Default: the global logger.
	Logger *logging.Logger
}

// NewManager creates a new probe manager.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("account pool is required")
	}
	if cfg.Prober == nil {
		return nil, errors.New("prober is required")
	}
	if cfg.Limiter != nil && cfg.Heavy.Name == "" {
		return nil, errors.New("heavy bucket name is required when a limiter is attached")
	}
	if cfg.Limiter != nil && cfg.Heavy.Capacity <= 0 {
		return nil, fmt.Errorf("heavy bucket capacity must be positive, got %f", cfg.Heavy.Capacity)
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultProbeInterval
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	sweepLimit := cfg.SweepLimit
	if sweepLimit <= 0 {
		sweepLimit = DefaultSweepLimit
	}
	cooldownRate := cfg.CooldownRate
	if cooldownRate == 0 {
		cooldownRate = DefaultCooldownRate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Manager{
		pool:         cfg.Pool,
		prober:       cfg.Prober,
		limiter:      cfg.Limiter,
		recorder:     cfg.Recorder,
		breaker:      cfg.Breaker,
		heavy:        cfg.Heavy,
		interval:     interval,
		concurrency:  concurrency,
		sweepLimit:   sweepLimit,
		cooldownRate: cooldownRate,
		logger:       logger,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start begins the periodic sweep in a background goroutine until Stop is
// called.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop stops the sweep loop and waits for the in-flight sweep to finish.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// run is the main loop, sweeping at the configured interval.
func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.ensureHeavyBucket(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if !m.bucketReady {
				m.ensureHeavyBucket(ctx)
			}
			m.Sweep(ctx)
		}
	}
}

// ensureHeavyBucket declares the shared bucket. Declaration is idempotent,
// so retrying on the next tick after a failure is safe.
func (m *Manager) ensureHeavyBucket(ctx context.Context) {
	if m.limiter == nil {
		m.bucketReady = true
		return
	}

	if err := m.limiter.EnsureBucket(ctx, m.heavy.Name, m.heavy.Capacity, m.heavy.RefillRate); err != nil {
		m.logger.WithError(err).WithField("bucket", m.heavy.Name).Error("Failed to declare heavy-operation bucket")
		return
	}

	m.bucketReady = true
	m.logger.WithFields(map[string]interface{}{
		"bucket":      m.heavy.Name,
		"capacity":    m.heavy.Capacity,
		"refill_rate": m.heavy.RefillRate,
	}).Info("Heavy-operation bucket ready")
}

// Sweep probes every ready account once, bounded by the configured
// concurrency. An account that disappears between listing and claim is
// skipped; a harvester simply got there first.
func (m *Manager) Sweep(ctx context.Context) {
	targets, err := m.pool.ProbeTargets(ctx, m.sweepLimit)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to list probe targets")
		return
	}
	if len(targets) == 0 {
		return
	}

	m.logger.WithField("targets", len(targets)).Debug("Probe sweep started")

	var mu sync.Mutex
	counts := make(map[string]int)

	sem := make(chan struct{}, m.concurrency)
	var wg sync.WaitGroup
	for _, accountID := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(accountID string) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, probed := m.probeAccount(ctx, accountID)
			mu.Lock()
			if probed {
				counts[string(outcome)]++
			} else {
				counts["skipped"]++
			}
			mu.Unlock()
		}(accountID)
	}
	wg.Wait()

	fields := map[string]interface{}{"targets": len(targets)}
	for outcome, n := range counts {
		fields[outcome] = n
	}
	m.logger.WithFields(fields).Info("Probe sweep finished")
}

// probeAccount claims one account, probes it, and applies the outcome.
// The endpoint breaker is consulted first so a dead endpoint skips the
// claim entirely.
func (m *Manager) probeAccount(ctx context.Context, accountID string) (classify.Outcome, bool) {
	if m.breaker != nil {
		if err := m.breaker.Allow(); err != nil {
			return "", false
		}
	}

	lease, err := m.pool.AcquireByID(ctx, accountID)
	if err != nil {
		if apperrors.IsPoolExhausted(err) {
			return "", false
		}
		m.logger.WithError(err).WithField("account_id", accountID).Warn("Failed to claim account for probe")
		return "", false
	}

	outcome := m.prober.Probe(ctx, lease)
	if m.breaker != nil {
		// Only endpoint-level failures count against the breaker. Auth and
		// rate-limit answers prove the endpoint itself is up.
		m.breaker.Record(outcome != classify.OutcomeNetworkError)
	}

	m.apply(ctx, lease, outcome)
	return outcome, true
}

// apply drives the account transition for one probe outcome. Auth failures
// quarantine immediately regardless of fail count; a rate limit rests the
// account for the full rate-limit window before the failure release; a
// network error takes the ordinary failure path.
func (m *Manager) apply(ctx context.Context, lease *models.Lease, outcome classify.Outcome) {
	m.recorder.Record(&models.TransitionEvent{
		AccountID: lease.AccountID,
		Event:     models.EventProbe,
		Outcome:   string(outcome),
	})

	var err error
	switch outcome {
	case classify.OutcomeSuccess:
		err = m.pool.Release(ctx, lease, true)
	case classify.OutcomeRateLimited:
		if err = m.pool.Cooldown(ctx, lease, m.cooldownRate, CooldownReasonRateLimit); err == nil {
			err = m.pool.Release(ctx, lease, false)
		}
	case classify.OutcomeAuthFailed:
		err = m.pool.Quarantine(ctx, lease, QuarantineReasonAuth)
	default:
		err = m.pool.Release(ctx, lease, false)
	}

	if err != nil {
		m.logger.WithError(err).WithFields(map[string]interface{}{
			"account_id": lease.AccountID,
			"outcome":    string(outcome),
		}).Warn("Failed to apply probe outcome")
		return
	}

	if outcome != classify.OutcomeSuccess {
		m.logger.WithFields(map[string]interface{}{
			"account_id": lease.AccountID,
			"outcome":    string(outcome),
		}).Info("Probe flagged account")
	}
}
