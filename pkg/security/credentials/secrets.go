package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gocloud.dev/secrets"
)

// DefaultCacheTTL is how long decrypted credentials are reused.
const DefaultCacheTTL = 5 * time.Minute

// sealed is the plaintext layout inside a sealed credentials file.
type sealed struct {
	Credentials *Credentials `json:"credentials"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
}

// SecretProvider decrypts a credentials file with a gocloud secrets keeper.
// The file is re-read when the cache expires, so rotating credentials only
// needs a new file.
//
// Keeper URL formats:
//   - Local (dev): "base64key://<base64 of 32 bytes>"
//   - AWS KMS: "awskms://<key id>?region=us-east-1"
//   - GCP KMS: "gcpkms://projects/P/locations/L/keyRings/R/cryptoKeys/K"
//   - Azure Key Vault: "azurekeyvault://<vault>.vault.azure.net/keys/<key>"
//   - HashiCorp Vault: "hashivault://<key>"
//
// Drivers other than localsecrets must be imported by the application.
type SecretProvider struct {
	keeper   *secrets.Keeper
	path     string
	cacheTTL time.Duration

	mu          sync.Mutex
	cached      *Credentials
	cacheExpiry time.Time
	closed      bool
}

// NewSecretProvider opens the keeper and decrypts path once to fail fast on
// bad configuration.
func NewSecretProvider(ctx context.Context, keeperURL, path string, cacheTTL time.Duration) (*SecretProvider, error) {
	if keeperURL == "" || path == "" {
		return nil, fmt.Errorf("%w: keeper URL and credentials file are required", ErrInvalidCredentials)
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}

	p := &SecretProvider{keeper: keeper, path: path, cacheTTL: cacheTTL}
	if _, err := p.GetCredentials(ctx); err != nil {
		keeper.Close()
		return nil, fmt.Errorf("failed to load initial credentials: %w", err)
	}
	return p, nil
}

// GetCredentials returns cached credentials or decrypts the file again.
func (p *SecretProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.cached == nil || !time.Now().Before(p.cacheExpiry) {
		creds, err := p.load(ctx)
		if err != nil {
			return nil, err
		}
		p.cached = creds
		p.cacheExpiry = time.Now().Add(p.cacheTTL)
	}
	if p.cached.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.cached, nil
}

func (p *SecretProvider) load(ctx context.Context) (*Credentials, error) {
	ciphertext, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var data sealed
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if data.Credentials == nil {
		return nil, fmt.Errorf("%w: no credentials in file", ErrInvalidCredentials)
	}
	if err := data.Credentials.Validate(); err != nil {
		return nil, err
	}
	return data.Credentials, nil
}

// Close releases the keeper.
func (p *SecretProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.keeper.Close()
}

// Seal encrypts creds with the keeper at keeperURL and writes them to path.
func Seal(ctx context.Context, keeperURL, path string, creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return fmt.Errorf("failed to open keeper: %w", err)
	}
	defer keeper.Close()

	// The plaintext holds the real secrets, so bypass the redacting marshaler.
	type plain Credentials
	plaintext, err := json.Marshal(struct {
		Credentials *plain    `json:"credentials"`
		Version     int       `json:"version"`
		CreatedAt   time.Time `json:"created_at"`
	}{(*plain)(creds), 1, time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}
