package tasks_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/curetrials/trialchat/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	results []tasks.Result
}

func (r *recorder) record(res tasks.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func TestGroupReportsResults(t *testing.T) {
	rec := &recorder{}
	g := tasks.NewGroup(context.Background(), rec.record)

	boom := errors.New("boom")
	require.True(t, g.Go("ok", func(context.Context) error { return nil }))
	require.True(t, g.Go("fail", func(context.Context) error { return boom }))
	g.Wait()

	require.Len(t, rec.results, 2)
	byName := map[string]error{}
	for _, r := range rec.results {
		byName[r.Name] = r.Err
	}
	assert.NoError(t, byName["ok"])
	assert.ErrorIs(t, byName["fail"], boom)
}

func TestGroupCloseCancelsRunningTasks(t *testing.T) {
	g := tasks.NewGroup(context.Background(), nil)

	started := make(chan struct{})
	var got error
	g.Go("blocked", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		got = ctx.Err()
		return got
	})

	<-started
	g.Close()

	assert.ErrorIs(t, got, context.Canceled)
}

func TestGroupRejectsAfterClose(t *testing.T) {
	rec := &recorder{}
	g := tasks.NewGroup(context.Background(), rec.record)
	g.Close()
	g.Close()

	ran := false
	ok := g.Go("late", func(context.Context) error {
		ran = true
		return nil
	})

	assert.False(t, ok)
	assert.False(t, ran)
	require.Len(t, rec.results, 1)
	assert.ErrorIs(t, rec.results[0].Err, tasks.ErrClosed)
}
