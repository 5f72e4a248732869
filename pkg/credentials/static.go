package credentials

import (
	"context"
	"fmt"
	"os"
)

// Static serves fixed credentials. Meant for development and tests; anything
// long-lived should come from a secret keeper instead.
type Static struct {
	creds *Credentials
}

var _ Provider = (*Static)(nil)

// NewStatic wraps already-resolved credentials.
func NewStatic(creds *Credentials) (*Static, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &Static{creds: creds}, nil
}

// NewStaticFromFile loads a NATS creds file from disk.
func NewStaticFromFile(path string) (*Static, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read creds file: %w", err)
	}
	creds, err := ParseCredsFile(blob)
	if err != nil {
		return nil, fmt.Errorf("parse creds file %s: %w", path, err)
	}
	return &Static{creds: creds}, nil
}

// Credentials implements Provider.
func (s *Static) Credentials(ctx context.Context) (*Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.creds.Expired() {
		return nil, ErrCredentialsExpired
	}
	return s.creds, nil
}

// Close implements Provider.
func (s *Static) Close() error {
	return nil
}
