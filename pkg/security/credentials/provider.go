// Package credentials supplies the NATS credentials of the command queue
// connection. Credentials come from environment variables or from a file
// sealed with a gocloud.dev/secrets keeper.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

var (
	// ErrCredentialsExpired is returned when credentials have expired
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrInvalidCredentials is returned when credentials are malformed
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed is returned when attempting to use a closed provider
	ErrProviderClosed = errors.New("provider is closed")
)

// CredentialType defines the type of credential
type CredentialType string

const (
	// CredentialTypeToken is a NATS authorization token
	CredentialTypeToken CredentialType = "token"

	// CredentialTypeUserPassword is NATS username/password authentication
	CredentialTypeUserPassword CredentialType = "user_password"
)

// Credentials authenticate one NATS connection.
type Credentials struct {
	Type      CredentialType `json:"type"`
	Token     string         `json:"token,omitempty"`
	User      string         `json:"user,omitempty"`
	Password  string         `json:"password,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// IsExpired checks if the credentials have expired
func (c *Credentials) IsExpired() bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*c.ExpiresAt)
}

// Validate ensures credentials are well-formed for their type
func (c *Credentials) Validate() error {
	switch c.Type {
	case CredentialTypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
		}
	case CredentialTypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
		}
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidCredentials, c.Type)
	}
	return nil
}

// MarshalJSON redacts secrets so credentials can be logged.
func (c *Credentials) MarshalJSON() ([]byte, error) {
	type alias Credentials
	redacted := *c
	if redacted.Token != "" {
		redacted.Token = "***"
	}
	if redacted.Password != "" {
		redacted.Password = "***"
	}
	return json.Marshal((*alias)(&redacted))
}

// NATSOptions returns the connect options carrying c.
func (c *Credentials) NATSOptions() []nats.Option {
	switch c.Type {
	case CredentialTypeToken:
		return []nats.Option{nats.Token(c.Token)}
	case CredentialTypeUserPassword:
		return []nats.Option{nats.UserInfo(c.User, c.Password)}
	}
	return nil
}

// Provider supplies current credentials.
type Provider interface {
	// GetCredentials retrieves the current credentials
	GetCredentials(ctx context.Context) (*Credentials, error)

	// Close releases any resources held by the provider
	Close() error
}

// NATSOptions fetches credentials from p and converts them to connect
// options.
func NATSOptions(ctx context.Context, p Provider) ([]nats.Option, error) {
	creds, err := p.GetCredentials(ctx)
	if err != nil {
		return nil, err
	}
	return creds.NATSOptions(), nil
}
