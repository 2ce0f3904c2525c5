package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeService struct {
	name     string
	rec      *recorder
	startErr error
	stopErr  error
	health   error
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(context.Context) error {
	f.rec.add("start " + f.name)
	return f.startErr
}

func (f *fakeService) Stop(context.Context) error {
	f.rec.add("stop " + f.name)
	return f.stopErr
}

func (f *fakeService) HealthCheck(context.Context) error { return f.health }

func TestRunner(t *testing.T) {
	t.Run("stops in reverse order", func(t *testing.T) {
		rec := &recorder{}
		r := New([]Service{
			&fakeService{name: "a", rec: rec},
			&fakeService{name: "b", rec: rec},
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- r.Run(ctx) }()

		require.Eventually(t, func() bool { return len(rec.list()) == 2 }, time.Second, 5*time.Millisecond)
		cancel()
		require.NoError(t, <-done)
		assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, rec.list())
	})

	t.Run("start failure stops started services", func(t *testing.T) {
		rec := &recorder{}
		boom := errors.New("boom")
		r := New([]Service{
			&fakeService{name: "a", rec: rec},
			&fakeService{name: "b", rec: rec, startErr: boom},
			&fakeService{name: "c", rec: rec},
		})

		err := r.Run(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"start a", "start b", "stop a"}, rec.list())
	})

	t.Run("stop errors are joined", func(t *testing.T) {
		rec := &recorder{}
		e1, e2 := errors.New("one"), errors.New("two")
		r := New([]Service{
			&fakeService{name: "a", rec: rec, stopErr: e1},
			&fakeService{name: "b", rec: rec, stopErr: e2},
		})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := r.Run(ctx)
		assert.ErrorIs(t, err, e1)
		assert.ErrorIs(t, err, e2)
	})
}

func TestRunner_HealthCheck(t *testing.T) {
	rec := &recorder{}
	sick := errors.New("sick")
	r := New([]Service{
		&fakeService{name: "ok", rec: rec},
		&fakeService{name: "bad", rec: rec, health: sick},
	})
	err := r.HealthCheck(context.Background())
	assert.ErrorIs(t, err, sick)
	assert.Contains(t, err.Error(), "bad")
}
