package pool

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/harvest-pool/internal/errors"
	"github.com/harvest-pool/internal/logging"
	"github.com/harvest-pool/internal/models"
	"github.com/harvest-pool/internal/storage"
)

// DefaultMaxFailStreak is the consecutive-failure count at which rotation
// stops handing out a proxy.
const DefaultMaxFailStreak = 5

// ProxyHealth summarizes the rotation for health reports.
type ProxyHealth struct {
	Healthy   int `json:"healthy"`
	Sidelined int `json:"sidelined"`
}

// ProxyPool hands out egress proxies in least-recently-used order and
// tracks their health. A proxy whose failure streak reaches the limit is
// sidelined until a success through it clears the streak.
type ProxyPool struct {
	proxies       *storage.ProxyRepository
	maxFailStreak int
	logger        *logging.Logger
}

// ProxyPoolConfig holds configuration for the proxy pool.
type ProxyPoolConfig struct {
	// Proxies is the proxy repository. Required.
	Proxies *storage.ProxyRepository

	// MaxFailStreak sidelines a proxy once its consecutive failures reach
	// this count. Default: 5.
	MaxFailStreak int

	// Logger is used for rotation events. Default: the global logger.
	Logger *logging.Logger
}

// NewProxyPool creates a new proxy pool with the given configuration.
func NewProxyPool(cfg *ProxyPoolConfig) (*ProxyPool, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Proxies == nil {
		return nil, errors.New("proxy repository is required")
	}
	if cfg.MaxFailStreak < 0 {
		return nil, errors.New("max fail streak cannot be negative")
	}

	maxFailStreak := cfg.MaxFailStreak
	if maxFailStreak == 0 {
		maxFailStreak = DefaultMaxFailStreak
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &ProxyPool{
		proxies:       cfg.Proxies,
		maxFailStreak: maxFailStreak,
		logger:        logger,
	}, nil
}

// Acquire returns the next healthy proxy in rotation.
func (p *ProxyPool) Acquire(ctx context.Context) (*models.ProxyConfig, error) {
	proxy, err := p.proxies.NextInRotation(ctx, p.maxFailStreak)
	if err != nil {
		if errors.Is(err, storage.ErrNoProxyAvailable) {
			return nil, apperrors.NewNoHealthyProxy("proxypool.Acquire")
		}
		return nil, apperrors.NewStoreUnavailable("proxypool.Acquire", err)
	}

	return proxyConfig(proxy), nil
}

// Pinned returns the named proxy if it is usable, nil otherwise. Accounts
// bound to a specific proxy use this before falling back to rotation.
func (p *ProxyPool) Pinned(ctx context.Context, proxyID string) (*models.ProxyConfig, error) {
	proxy, err := p.proxies.GetByID(ctx, proxyID)
	if err != nil {
		if errors.Is(err, storage.ErrProxyNotFound) {
			return nil, nil
		}
		return nil, apperrors.NewStoreUnavailable("proxypool.Pinned", err)
	}
	if proxy.FailStreak >= p.maxFailStreak {
		return nil, nil
	}

	return proxyConfig(proxy), nil
}

// ReportSuccess records a successful request through the proxy, returning
// it to rotation if it was sidelined.
func (p *ProxyPool) ReportSuccess(ctx context.Context, proxyID string) error {
	if err := p.proxies.ReportSuccess(ctx, proxyID); err != nil {
		if errors.Is(err, storage.ErrProxyNotFound) {
			return fmt.Errorf("proxypool.ReportSuccess: %w", err)
		}
		return apperrors.NewStoreUnavailable("proxypool.ReportSuccess", err)
	}
	return nil
}

// ReportFailure records a failed request through the proxy.
func (p *ProxyPool) ReportFailure(ctx context.Context, proxyID string) error {
	streak, err := p.proxies.ReportFailure(ctx, proxyID)
	if err != nil {
		if errors.Is(err, storage.ErrProxyNotFound) {
			return fmt.Errorf("proxypool.ReportFailure: %w", err)
		}
		return apperrors.NewStoreUnavailable("proxypool.ReportFailure", err)
	}

	if streak == p.maxFailStreak {
		p.logger.WithFields(map[string]interface{}{
			"proxy_id":    proxyID,
			"fail_streak": streak,
		}).Warn("Proxy sidelined after consecutive failures")
	}

	return nil
}

// Health reports how many proxies are in rotation and how many are
// sidelined.
func (p *ProxyPool) Health(ctx context.Context) (*ProxyHealth, error) {
	healthy, sidelined, err := p.proxies.CountsByHealth(ctx, p.maxFailStreak)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("proxypool.Health", err)
	}

	return &ProxyHealth{Healthy: healthy, Sidelined: sidelined}, nil
}

func proxyConfig(proxy *models.ProxyRecord) *models.ProxyConfig {
	return &models.ProxyConfig{
		ProxyID:  proxy.ProxyID,
		HTTPURL:  proxy.HTTPURL,
		HTTPSURL: proxy.HTTPSURL,
		Tag:      proxy.Tag,
		Provider: proxy.Provider,
	}
}
