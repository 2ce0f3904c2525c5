package nats

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finishesWithin(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("did not finish within %s", d)
	}
}

func TestEmbeddedServer(t *testing.T) {
	t.Run("start connect and shutdown", func(t *testing.T) {
		srv, err := StartEmbeddedServer()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(srv.URL(), "nats://"))

		nc, err := srv.Connect()
		require.NoError(t, err)
		assert.True(t, nc.IsConnected())

		js, err := nc.JetStream()
		require.NoError(t, err)
		_, err = js.AccountInfo()
		assert.NoError(t, err, "JetStream is enabled")
		nc.Close()

		finishesWithin(t, 10*time.Second, srv.Shutdown)
	})

	t.Run("shutdown with active connections", func(t *testing.T) {
		srv, err := StartEmbeddedServer()
		require.NoError(t, err)

		var conns []*nats.Conn
		for range 5 {
			nc, err := nats.Connect(srv.URL())
			require.NoError(t, err)
			conns = append(conns, nc)
		}

		finishesWithin(t, 10*time.Second, srv.Shutdown)
		for _, nc := range conns {
			nc.Close()
		}
	})

	t.Run("store directory", func(t *testing.T) {
		srv, err := StartEmbeddedServer(WithStoreDir(t.TempDir()))
		require.NoError(t, err)
		defer srv.Shutdown()
		assert.NotEmpty(t, srv.URL())
	})

	t.Run("repeated shutdown", func(t *testing.T) {
		srv, err := StartEmbeddedServer()
		require.NoError(t, err)
		srv.Shutdown()
		finishesWithin(t, 2*time.Second, srv.Shutdown)
	})

	t.Run("nil server", func(t *testing.T) {
		srv := &EmbeddedServer{}
		finishesWithin(t, time.Second, srv.Shutdown)
	})
}

func TestConcurrentShutdowns(t *testing.T) {
	srv, err := StartEmbeddedServer()
	require.NoError(t, err)

	finishesWithin(t, 15*time.Second, func() {
		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				srv.Shutdown()
			}()
		}
		wg.Wait()
	})
}

func TestEmbeddedServerAuth(t *testing.T) {
	t.Run("token", func(t *testing.T) {
		srv, err := StartEmbeddedServer(WithToken("s3cret"))
		require.NoError(t, err)
		defer srv.Shutdown()

		_, err = srv.Connect()
		assert.Error(t, err, "anonymous clients are rejected")

		nc, err := srv.Connect(nats.Token("s3cret"))
		require.NoError(t, err)
		nc.Close()
	})

	t.Run("user and password", func(t *testing.T) {
		srv, err := StartEmbeddedServer(WithUserPassword("queues", "pw"))
		require.NoError(t, err)
		defer srv.Shutdown()

		_, err = srv.Connect(nats.UserInfo("queues", "wrong"))
		assert.Error(t, err)

		nc, err := srv.Connect(nats.UserInfo("queues", "pw"))
		require.NoError(t, err)
		nc.Close()
	})
}
