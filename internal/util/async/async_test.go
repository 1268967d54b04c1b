package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CollectsAllResults(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tasks := []Task{
		{Name: "a", Func: func(context.Context) error { return nil }},
		{Name: "b", Func: func(context.Context) error { return boom }},
		{Name: "c", Func: func(context.Context) error { return nil }},
	}

	results := Run(context.Background(), 2, tasks)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].Name)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, boom)
	// a sibling failure must not affect other tasks
	assert.NoError(t, results[2].Err)
}

func TestRun_BoundedParallelism(t *testing.T) {
	t.Parallel()
	var current, peak atomic.Int32
	var mu sync.Mutex

	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = Task{Name: "task", Func: func(context.Context) error {
			n := current.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			defer current.Add(-1)
			return nil
		}}
	}

	Run(context.Background(), 2, tasks)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRun_Empty(t *testing.T) {
	t.Parallel()
	assert.Nil(t, Run(context.Background(), 4, nil))
}

func TestFirstError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	assert.NoError(t, FirstError([]Result{{Name: "a"}, {Name: "b"}}))
	assert.ErrorIs(t, FirstError([]Result{{Name: "a"}, {Name: "b", Err: boom}}), boom)
}
