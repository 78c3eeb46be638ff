package watch

import (
	"context"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncerCoalescesPerPath(t *testing.T) {
	input := make(chan Change, 10)
	debouncer := NewDebouncer(input, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	output := debouncer.Run(ctx)

	// Send a burst for one path
	input <- Change{Path: "/a", Op: fsnotify.Create, Time: time.Now()}
	for i := 0; i < 4; i++ {
		input <- Change{Path: "/a", Op: fsnotify.Write, Time: time.Now()}
	}

	select {
	case c := <-output:
		assert.Equal(t, "/a", c.Path)
		assert.True(t, c.Op.Has(fsnotify.Create))
		assert.True(t, c.Op.Has(fsnotify.Write))
	case <-time.After(time.Second):
		t.Fatal("expected to receive a change")
	}

	// Should not receive more changes for the burst
	select {
	case <-output:
		t.Fatal("should not receive another change")
	case <-time.After(100 * time.Millisecond):
		// Expected
	}
}

func TestDebouncerKeepsPathsApart(t *testing.T) {
	input := make(chan Change, 10)
	debouncer := NewDebouncer(input, 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	output := debouncer.Run(ctx)

	input <- Change{Path: "/a", Op: fsnotify.Write}
	input <- Change{Path: "/b", Op: fsnotify.Write}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case c := <-output:
			seen[c.Path] = true
		case <-time.After(time.Second):
			t.Fatal("expected two changes")
		}
	}
	assert.Equal(t, map[string]bool{"/a": true, "/b": true}, seen)
}

func TestDebouncerFlushesOnClose(t *testing.T) {
	input := make(chan Change, 10)
	debouncer := NewDebouncer(input, time.Hour)

	output := debouncer.Run(context.Background())

	input <- Change{Path: "/a", Op: fsnotify.Write}
	close(input)

	select {
	case c, ok := <-output:
		require.True(t, ok, "pending change should be flushed")
		assert.Equal(t, "/a", c.Path)
	case <-time.After(time.Second):
		t.Fatal("expected flushed change")
	}

	select {
	case _, ok := <-output:
		assert.False(t, ok, "output should be closed")
	case <-time.After(time.Second):
		t.Fatal("output not closed")
	}
}

func TestDebouncerPassThrough(t *testing.T) {
	input := make(chan Change, 10)
	output := NewDebouncer(input, -1).Run(context.Background())

	input <- Change{Path: "/a", Op: fsnotify.Write}
	input <- Change{Path: "/a", Op: fsnotify.Chmod}
	close(input)

	var got []fsnotify.Op
	for c := range output {
		got = append(got, c.Op)
	}
	assert.Equal(t, []fsnotify.Op{fsnotify.Write, fsnotify.Chmod}, got)
}

func TestDebouncerStopsOnCancel(t *testing.T) {
	input := make(chan Change)
	ctx, cancel := context.WithCancel(context.Background())
	output := NewDebouncer(input, 50*time.Millisecond).Run(ctx)

	cancel()

	select {
	case _, ok := <-output:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("debouncer did not stop")
	}
}
