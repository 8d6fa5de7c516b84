package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRunsInOrder(t *testing.T) {
	f := newFixture(t, withRTT("Terminal"))
	w := NewWorker(f.h)
	ctx := context.Background()

	var attachErr error
	var chip string
	require.NoError(t, w.Do(ctx, func(h *Handler) { attachErr = h.Attach(0, "STM32F103C8") }))
	require.NoError(t, w.Do(ctx, func(h *Handler) { chip = h.ChipName() }))
	require.NoError(t, attachErr)
	assert.Equal(t, "STM32F103C8", chip)

	require.NoError(t, w.Close())
	assert.False(t, f.h.Attached(), "close releases the session")
	assert.Equal(t, 1, f.port.closes)

	assert.ErrorIs(t, w.Do(ctx, func(*Handler) {}), ErrWorkerClosed)
	assert.NoError(t, w.Close(), "second close is harmless")
}

func TestWorkerContext(t *testing.T) {
	f := newFixture(t, nil)
	w := NewWorker(f.h)
	defer w.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	go w.Do(context.Background(), func(*Handler) {
		close(started)
		<-release
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Do(ctx, func(*Handler) { t.Error("queued job ran after its context expired") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
