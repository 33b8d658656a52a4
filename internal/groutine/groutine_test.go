package groutine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGoNamesTheGoroutine(t *testing.T) {
	names := make(chan string, 1)
	Go(nil, "worker", func(ctx context.Context) {
		names <- GetName(ctx)
	})
	assert.Equal(t, "worker", <-names)
}

func TestGoTrackedWaits(t *testing.T) {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
	)
	for i := 0; i < 10; i++ {
		GoTracked(context.Background(), &wg, "tracked", func(context.Context) {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	wg.Wait()
	assert.Equal(t, 10, count)
}

func TestGetNameWithoutLabel(t *testing.T) {
	assert.Empty(t, GetName(context.Background()))
	assert.Empty(t, GetName(nil)) //nolint:staticcheck
}
