package mainloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostRunsInOrder(t *testing.T) {
	l := New()
	defer l.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	require.NoError(t, l.Sync(context.Background()))
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestPostFromManyGoroutines(t *testing.T) {
	l := New()
	defer l.Close()

	var wg sync.WaitGroup
	count := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Post(func() { count++ })
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Sync(context.Background()))
	assert.Equal(t, 400, count)
}

func TestPostFromLoopDoesNotDeadlock(t *testing.T) {
	l := New()
	defer l.Close()

	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestInvokeHonoursContext(t *testing.T) {
	l := New()
	defer l.Close()

	block := make(chan struct{})
	l.Post(func() { <-block })
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Invoke(ctx, func() {}), context.DeadlineExceeded)
	close(block)
}

func TestClosedLoopRejectsWork(t *testing.T) {
	l := New()
	l.Close()
	l.Close()
	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Invoke(context.Background(), func() {}), ErrClosed)
}
