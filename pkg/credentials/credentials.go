// Package credentials resolves the secrets the services present to the
// message broker. Production deployments keep an encrypted credentials
// document next to the binary and a gocloud.dev/secrets keeper holding the
// key, so the same code path works against AWS KMS, GCP KMS, Azure Key
// Vault, HashiCorp Vault or a local base64 key. Development uses a static
// creds file or nothing at all.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrCredentialsExpired is returned when the resolved credentials are
	// past their expiry.
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrInvalidCredentials is returned when a credentials document is
	// malformed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed is returned when using a closed provider.
	ErrProviderClosed = errors.New("credentials provider is closed")
)

// Credentials is one broker identity. Either the JWT/seed pair (rendered as
// a NATS creds file), a bearer token, or user/password is populated.
type Credentials struct {
	UserJWT   string     `json:"user_jwt,omitempty"`
	NKeySeed  string     `json:"nkey_seed,omitempty"`
	Token     string     `json:"token,omitempty"`
	User      string     `json:"user,omitempty"`
	Password  string     `json:"password,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the credentials are past their expiry. Credentials
// without an expiry never expire.
func (c *Credentials) Expired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// Validate checks that exactly one authentication method is usable.
func (c *Credentials) Validate() error {
	switch {
	case c.UserJWT != "" && c.NKeySeed != "":
		return nil
	case c.UserJWT != "" || c.NKeySeed != "":
		return fmt.Errorf("%w: user_jwt and nkey_seed must be set together", ErrInvalidCredentials)
	case c.Token != "":
		return nil
	case c.User != "" && c.Password != "":
		return nil
	case c.User != "" || c.Password != "":
		return fmt.Errorf("%w: user and password must be set together", ErrInvalidCredentials)
	default:
		return fmt.Errorf("%w: no authentication method present", ErrInvalidCredentials)
	}
}

// CredsFile renders the JWT/seed pair in the standard NATS creds layout.
// Returns nil when the credentials are not JWT-based.
func (c *Credentials) CredsFile() []byte {
	if c.UserJWT == "" || c.NKeySeed == "" {
		return nil
	}
	var b strings.Builder
	b.WriteString("-----BEGIN NATS USER JWT-----\n")
	b.WriteString(c.UserJWT)
	b.WriteString("\n------END NATS USER JWT------\n\n")
	b.WriteString("-----BEGIN USER NKEY SEED-----\n")
	b.WriteString(c.NKeySeed)
	b.WriteString("\n------END USER NKEY SEED------\n")
	return []byte(b.String())
}

// LogValue redacts everything secret, so credentials can be passed to slog
// without leaking. JSON marshaling stays faithful for keeper storage.
func (c *Credentials) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 4)
	if c.UserJWT != "" {
		attrs = append(attrs, slog.String("user_jwt", c.UserJWT), slog.String("nkey_seed", "***"))
	}
	if c.Token != "" {
		attrs = append(attrs, slog.String("token", "***"))
	}
	if c.User != "" {
		attrs = append(attrs, slog.String("user", c.User), slog.String("password", "***"))
	}
	if c.ExpiresAt != nil {
		attrs = append(attrs, slog.Time("expires_at", *c.ExpiresAt))
	}
	return slog.GroupValue(attrs...)
}

// ParseCredsFile extracts the JWT/seed pair from a NATS creds blob.
func ParseCredsFile(blob []byte) (*Credentials, error) {
	jwt := section(blob, "-----BEGIN NATS USER JWT-----")
	seed := section(blob, "-----BEGIN USER NKEY SEED-----")
	if jwt == "" || seed == "" {
		return nil, fmt.Errorf("%w: not a NATS creds file", ErrInvalidCredentials)
	}
	return &Credentials{UserJWT: jwt, NKeySeed: seed}, nil
}

// section scans to the newline before the END marker rather than the marker
// itself: END lines carry six dashes and a JWT may itself end in a dash.
func section(blob []byte, header string) string {
	text := string(blob)
	start := strings.Index(text, header)
	if start < 0 {
		return ""
	}
	start += len(header)
	end := strings.Index(text[start:], "\n---")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(text[start : start+end])
}

// Provider resolves broker credentials. Implementations cache internally and
// are safe for concurrent use.
type Provider interface {
	// Credentials returns the current credentials.
	Credentials(ctx context.Context) (*Credentials, error)

	// Close releases provider resources.
	Close() error
}
