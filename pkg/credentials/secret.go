package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gocloud.dev/secrets"
	// base64key:// works out of the box; cloud keepers are opt-in imports in
	// the binary, e.g. _ "gocloud.dev/secrets/awskms".
	_ "gocloud.dev/secrets/localsecrets"
)

// SecretConfig tunes the keeper-backed provider.
type SecretConfig struct {
	// KeeperURL selects the gocloud secrets backend, e.g.
	// "base64key://smGb..." or "awskms://alias/broker-creds".
	KeeperURL string

	// CiphertextPath is the encrypted credentials document on disk.
	CiphertextPath string

	// CacheTTL is how long resolved credentials are served from memory
	// before the ciphertext is re-read. Default 5 minutes.
	CacheTTL time.Duration

	// RefreshInterval re-resolves in the background when > 0, so a rotated
	// document is picked up before the cache expires.
	RefreshInterval time.Duration

	// Logger receives refresh diagnostics.
	Logger *slog.Logger
}

// SecretProvider decrypts a credentials document through a gocloud secrets
// keeper and caches the result.
type SecretProvider struct {
	keeper *secrets.Keeper
	config SecretConfig
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Credentials
	expiry time.Time
	closed bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

var _ Provider = (*SecretProvider)(nil)

// NewSecretProvider opens the keeper and resolves credentials once, so a
// misconfigured secret fails at startup instead of on first use.
func NewSecretProvider(ctx context.Context, config SecretConfig) (*SecretProvider, error) {
	if config.KeeperURL == "" {
		return nil, fmt.Errorf("keeper URL is required")
	}
	if config.CiphertextPath == "" {
		return nil, fmt.Errorf("ciphertext path is required")
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	keeper, err := secrets.OpenKeeper(ctx, config.KeeperURL)
	if err != nil {
		return nil, fmt.Errorf("open secret keeper: %w", err)
	}

	provider := &SecretProvider{
		keeper: keeper,
		config: config,
		logger: config.Logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if err := provider.resolve(ctx); err != nil {
		keeper.Close()
		return nil, err
	}

	if config.RefreshInterval > 0 {
		go provider.refreshLoop()
	} else {
		close(provider.done)
	}

	return provider, nil
}

// Credentials implements Provider.
func (p *SecretProvider) Credentials(ctx context.Context) (*Credentials, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrProviderClosed
	}
	if p.cached != nil && time.Now().Before(p.expiry) {
		creds := p.cached
		p.mu.RUnlock()
		if creds.Expired() {
			return nil, ErrCredentialsExpired
		}
		return creds, nil
	}
	p.mu.RUnlock()

	if err := p.resolve(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached.Expired() {
		return nil, ErrCredentialsExpired
	}
	return p.cached, nil
}

// resolve reads the ciphertext, decrypts it and refreshes the cache.
func (p *SecretProvider) resolve(ctx context.Context) error {
	ciphertext, err := os.ReadFile(p.config.CiphertextPath)
	if err != nil {
		return fmt.Errorf("read credentials ciphertext: %w", err)
	}

	plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return fmt.Errorf("decrypt credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return fmt.Errorf("unmarshal credentials: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}
	p.cached = &creds
	p.expiry = time.Now().Add(p.config.CacheTTL)
	return nil
}

func (p *SecretProvider) refreshLoop() {
	defer close(p.done)

	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := p.resolve(ctx); err != nil && err != ErrProviderClosed {
				p.logger.Warn("credentials refresh failed", "error", err)
			}
			cancel()
		case <-p.stop:
			return
		}
	}
}

// Close implements Provider.
func (p *SecretProvider) Close() error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.stop)
		<-p.done
		err = p.keeper.Close()
	})
	return err
}
