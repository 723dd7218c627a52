package xsync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Wait()
	}()
	l.Trigger()
	wg.Wait()
	assert.True(t, l.Test())

	// Triggering twice must not panic.
	l.Trigger()

	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan should be closed after trigger")
	}
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[error]()
	require.False(t, l.Test())
	go l.Trigger(nil)
	assert.NoError(t, l.Wait())

	// The first triggered value wins.
	l2 := NewLatchWithValue[int]()
	l2.Trigger(7)
	l2.Trigger(8)
	assert.Equal(t, 7, l2.Wait())
}
