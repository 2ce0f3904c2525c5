package credentials

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// StaticProvider serves fixed credentials. It suits tests and credentials
// that never rotate.
type StaticProvider struct {
	creds *Credentials

	mu     sync.RWMutex
	closed bool
}

// NewStaticProvider validates creds and wraps them.
func NewStaticProvider(creds *Credentials) (*StaticProvider, error) {
	if creds == nil {
		return nil, fmt.Errorf("%w: credentials are nil", ErrInvalidCredentials)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &StaticProvider{creds: creds}, nil
}

// GetCredentials returns the static credentials.
func (p *StaticProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.creds, nil
}

// Close marks the provider closed.
func (p *StaticProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// EnvProvider reads credentials from environment variables on every call.
// A token variable wins over user and password variables.
type EnvProvider struct {
	TokenVar    string
	UserVar     string
	PasswordVar string
}

// NewEnvProvider reads a token from tokenVar, or a user and password from
// "<tokenVar>_USER" and "<tokenVar>_PASSWORD" when no token is set.
func NewEnvProvider(tokenVar string) *EnvProvider {
	return &EnvProvider{
		TokenVar:    tokenVar,
		UserVar:     tokenVar + "_USER",
		PasswordVar: tokenVar + "_PASSWORD",
	}
}

// GetCredentials builds credentials from the environment.
func (p *EnvProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	var creds *Credentials
	if token := os.Getenv(p.TokenVar); token != "" {
		creds = &Credentials{Type: CredentialTypeToken, Token: token}
	} else {
		creds = &Credentials{
			Type:     CredentialTypeUserPassword,
			User:     os.Getenv(p.UserVar),
			Password: os.Getenv(p.PasswordVar),
		}
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("environment %s: %w", p.TokenVar, err)
	}
	return creds, nil
}

// Close is a no-op.
func (p *EnvProvider) Close() error { return nil }
