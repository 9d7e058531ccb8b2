// Package seed loads account and proxy inventory from a YAML manifest
// and applies it to the store. Seeding is idempotent: re-applying a
// manifest updates credentials and proxy endpoints without touching
// health state, cooldowns, or live leases.
package seed

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/harvest-pool/internal/logging"
	"github.com/harvest-pool/internal/models"
	"github.com/harvest-pool/internal/storage"
)

// AccountSeed is one account entry in the manifest.
type AccountSeed struct {
	AccountID    string  `yaml:"accountId"`
	ClientID     string  `yaml:"clientId"`
	ClientSecret string  `yaml:"clientSecret"`
	Username     string  `yaml:"username"`
	Password     string  `yaml:"password"`
	ProxyID      *string `yaml:"proxyId,omitempty"`
}

// ProxySeed is one proxy entry in the manifest.
type ProxySeed struct {
	ProxyID  string `yaml:"proxyId"`
	HTTPURL  string `yaml:"httpUrl"`
	HTTPSURL string `yaml:"httpsUrl"`
	Tag      string `yaml:"tag"`
	Provider string `yaml:"provider"`
}

// Manifest is the full seed file: the proxies to register and the
// accounts that may pin to them.
type Manifest struct {
	Proxies  []ProxySeed   `yaml:"proxies"`
	Accounts []AccountSeed `yaml:"accounts"`
}

// Load reads and validates a manifest from a YAML file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	return &manifest, nil
}

// Validate checks the manifest for missing fields, duplicate IDs, and
// pins to proxies the manifest does not define.
func (m *Manifest) Validate() error {
	proxyIDs := make(map[string]bool, len(m.Proxies))
	for i, proxy := range m.Proxies {
		if proxy.ProxyID == "" {
			return fmt.Errorf("proxy %d: proxyId is required", i)
		}
		if proxyIDs[proxy.ProxyID] {
			return fmt.Errorf("duplicate proxy %s", proxy.ProxyID)
		}
		if proxy.HTTPURL == "" && proxy.HTTPSURL == "" {
			return fmt.Errorf("proxy %s: at least one of httpUrl, httpsUrl is required", proxy.ProxyID)
		}
		proxyIDs[proxy.ProxyID] = true
	}

	accountIDs := make(map[string]bool, len(m.Accounts))
	for i, account := range m.Accounts {
		if account.AccountID == "" {
			return fmt.Errorf("account %d: accountId is required", i)
		}
		if accountIDs[account.AccountID] {
			return fmt.Errorf("duplicate account %s", account.AccountID)
		}
		if account.ClientID == "" || account.ClientSecret == "" {
			return fmt.Errorf("account %s: clientId and clientSecret are required", account.AccountID)
		}
		if account.Username == "" || account.Password == "" {
			return fmt.Errorf("account %s: username and password are required", account.AccountID)
		}
		if account.ProxyID != nil && !proxyIDs[*account.ProxyID] {
			return fmt.Errorf("account %s: pinned proxy %s is not in the manifest", account.AccountID, *account.ProxyID)
		}
		accountIDs[account.AccountID] = true
	}

	if len(m.Accounts) == 0 {
		return fmt.Errorf("manifest defines no accounts")
	}

	return nil
}

// Result summarizes one Apply run.
type Result struct {
	ProxiesApplied  int `json:"proxiesApplied"`
	AccountsApplied int `json:"accountsApplied"`
}

// Seeder applies manifests to the store.
type Seeder struct {
	accounts *storage.AccountRepository
	proxies  *storage.ProxyRepository
	logger   *logging.Logger
}

func NewSeeder(accounts *storage.AccountRepository, proxies *storage.ProxyRepository) *Seeder {
	return &Seeder{
		accounts: accounts,
		proxies:  proxies,
		logger:   logging.GetGlobalLogger(),
	}
}

// Apply upserts the manifest's proxies and then its accounts. Proxies go
// first so account pins always reference an existing row.
func (s *Seeder) Apply(ctx context.Context, manifest *Manifest) (*Result, error) {
	result := &Result{}

	for _, proxy := range manifest.Proxies {
		record := &models.ProxyRecord{
			ProxyID:  proxy.ProxyID,
			HTTPURL:  proxy.HTTPURL,
			HTTPSURL: proxy.HTTPSURL,
			Tag:      proxy.Tag,
			Provider: proxy.Provider,
		}
		if err := s.proxies.Upsert(ctx, record); err != nil {
			return result, fmt.Errorf("failed to seed proxy %s: %w", proxy.ProxyID, err)
		}
		result.ProxiesApplied++
	}

	for _, account := range manifest.Accounts {
		record := &models.AccountRecord{
			AccountID: account.AccountID,
			Credential: models.AccountCredential{
				ClientID:     account.ClientID,
				ClientSecret: account.ClientSecret,
				Username:     account.Username,
				Password:     account.Password,
			},
			ProxyID: account.ProxyID,
		}
		if err := s.accounts.Upsert(ctx, record); err != nil {
			return result, fmt.Errorf("failed to seed account %s: %w", account.AccountID, err)
		}
		result.AccountsApplied++
	}

	s.logger.WithFields(map[string]interface{}{
		"proxies":  result.ProxiesApplied,
		"accounts": result.AccountsApplied,
	}).Info("Seed manifest applied")

	return result, nil
}
