package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects invalid credentials", func(t *testing.T) {
		_, err := NewStaticProvider(nil)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		_, err = NewStaticProvider(&Credentials{Type: CredentialTypeToken})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("expired", func(t *testing.T) {
		past := time.Now().Add(-time.Second)
		p, err := NewStaticProvider(&Credentials{Type: CredentialTypeToken, Token: "t", ExpiresAt: &past})
		require.NoError(t, err)
		_, err = p.GetCredentials(ctx)
		assert.ErrorIs(t, err, ErrCredentialsExpired)
	})
}

func TestEnvProvider(t *testing.T) {
	ctx := context.Background()
	p := NewEnvProvider("TEST_QUEUE_TOKEN")
	assert.Equal(t, "TEST_QUEUE_TOKEN_USER", p.UserVar)
	assert.Equal(t, "TEST_QUEUE_TOKEN_PASSWORD", p.PasswordVar)

	t.Run("token", func(t *testing.T) {
		t.Setenv("TEST_QUEUE_TOKEN", "from-env")
		t.Setenv("TEST_QUEUE_TOKEN_USER", "ignored")
		creds, err := p.GetCredentials(ctx)
		require.NoError(t, err)
		assert.Equal(t, CredentialTypeToken, creds.Type)
		assert.Equal(t, "from-env", creds.Token)
	})

	t.Run("user and password", func(t *testing.T) {
		t.Setenv("TEST_QUEUE_TOKEN", "")
		t.Setenv("TEST_QUEUE_TOKEN_USER", "queues")
		t.Setenv("TEST_QUEUE_TOKEN_PASSWORD", "pw")
		creds, err := p.GetCredentials(ctx)
		require.NoError(t, err)
		assert.Equal(t, CredentialTypeUserPassword, creds.Type)
		assert.Equal(t, "queues", creds.User)
	})

	t.Run("nothing set", func(t *testing.T) {
		t.Setenv("TEST_QUEUE_TOKEN", "")
		t.Setenv("TEST_QUEUE_TOKEN_USER", "")
		t.Setenv("TEST_QUEUE_TOKEN_PASSWORD", "")
		_, err := p.GetCredentials(ctx)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	assert.NoError(t, p.Close())
}
