package secrets

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"github.com/jkaninda/kibanda/internal/config"
)

const (
	defaultVaultMount   = "secret"
	defaultVaultTimeout = 10 * time.Second
	defaultVaultTTL     = 5 * time.Minute
)

// VaultSource reads every string field of one HashiCorp Vault KV v2 secret.
// Results are cached for a short TTL so a burst of runs makes one request.
// Uses token-based authentication. Safe for concurrent use.
type VaultSource struct {
	url       string
	token     string
	namespace string
	client    *http.Client
	ttl       time.Duration
	clock     clockwork.Clock

	mu      sync.Mutex
	cached  map[string]string
	fetched time.Time
}

// NewVaultSource creates a Vault KV v2 source from config.
func NewVaultSource(cfg *config.VaultConfig, clock clockwork.Clock) (*VaultSource, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vault config is nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required (set secrets.vault.address or VAULT_ADDR)")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token is required (set secrets.vault.token or VAULT_TOKEN)")
	}
	path := strings.Trim(cfg.Path, "/")
	if path == "" {
		return nil, fmt.Errorf("vault path is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	timeout := defaultVaultTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	mount := strings.Trim(cmp.Or(cfg.Mount, defaultVaultMount), "/")

	return &VaultSource{
		url:       fmt.Sprintf("%s/v1/%s/data/%s", strings.TrimRight(cfg.Address, "/"), mount, path),
		token:     cfg.Token,
		namespace: cfg.Namespace,
		client:    &http.Client{Timeout: timeout},
		ttl:       defaultVaultTTL,
		clock:     clock,
	}, nil
}

func (s *VaultSource) Name() string { return "vault" }

func (s *VaultSource) Values(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.cached != nil && now.Sub(s.fetched) < s.ttl {
		return maps.Clone(s.cached), nil
	}
	vals, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	s.cached, s.fetched = vals, now
	return maps.Clone(vals), nil
}

func (s *VaultSource) fetch(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", s.token)
	if s.namespace != "" {
		req.Header.Set("X-Vault-Namespace", s.namespace)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB limit
	if err != nil {
		return nil, fmt.Errorf("reading vault response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault secret not found", ErrSecretNotFound)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault access denied (check token permissions)")
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("vault server error %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d", resp.StatusCode)
	}

	// KV v2 envelope: {"data": {"data": {...}, "metadata": {...}}}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("parsing vault response: invalid JSON")
	}
	data := gjson.GetBytes(body, "data.data")
	if !data.IsObject() {
		return nil, fmt.Errorf("%w: vault secret has no data", ErrSecretNotFound)
	}
	out := make(map[string]string)
	data.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.String {
			out[key.String()] = value.String()
		}
		return true
	})
	return out, nil
}

