package watch

import (
	"context"
	"sort"
	"time"
)

// DefaultDebounce is the quiet period used when Config.Debounce is zero.
const DefaultDebounce = 100 * time.Millisecond

// Debouncer coalesces bursts of changes to the same path. Each path is
// emitted once it has been quiet for the interval, with the ops of the burst
// merged. Different paths do not delay each other.
type Debouncer struct {
	interval time.Duration
	input    <-chan Change
	output   chan Change
}

type pendingChange struct {
	change   Change
	deadline time.Time
}

// NewDebouncer creates a debouncer over input. A non-positive interval passes
// changes through unchanged.
func NewDebouncer(input <-chan Change, interval time.Duration) *Debouncer {
	return &Debouncer{
		interval: interval,
		input:    input,
		output:   make(chan Change),
	}
}

// Run starts the debouncer and returns the output channel. The output is
// closed when input is closed (after flushing) or ctx is done.
func (d *Debouncer) Run(ctx context.Context) <-chan Change {
	go d.loop(ctx)
	return d.output
}

func (d *Debouncer) loop(ctx context.Context) {
	defer close(d.output)

	var timer *time.Timer
	var timerChan <-chan time.Time
	pending := make(map[string]*pendingChange)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c, ok := <-d.input:
			if !ok {
				// Input closed, flush everything still pending
				for _, p := range due(pending, time.Time{}) {
					if !d.emit(ctx, p.change) {
						return
					}
				}
				return
			}

			if d.interval <= 0 {
				if !d.emit(ctx, c) {
					return
				}
				continue
			}

			if p, ok := pending[c.Path]; ok {
				p.change.Op |= c.Op
				p.change.Time = c.Time
				p.deadline = time.Now().Add(d.interval)
			} else {
				pending[c.Path] = &pendingChange{change: c, deadline: time.Now().Add(d.interval)}
			}

			if timer == nil {
				timer = time.NewTimer(d.interval)
				timerChan = timer.C
			}

		case <-timerChan:
			now := time.Now()
			for _, p := range due(pending, now) {
				if !d.emit(ctx, p.change) {
					return
				}
			}

			timerChan = nil
			if next, ok := earliest(pending); ok {
				timer.Reset(time.Until(next))
				timerChan = timer.C
			} else {
				timer = nil
			}
		}
	}
}

func (d *Debouncer) emit(ctx context.Context, c Change) bool {
	select {
	case d.output <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// due removes and returns the entries whose deadline is not after now, oldest
// first. A zero now takes everything.
func due(pending map[string]*pendingChange, now time.Time) []*pendingChange {
	var out []*pendingChange
	for path, p := range pending {
		if now.IsZero() || !p.deadline.After(now) {
			out = append(out, p)
			delete(pending, path)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].deadline.Before(out[j].deadline)
	})
	return out
}

func earliest(pending map[string]*pendingChange) (time.Time, bool) {
	var first time.Time
	for _, p := range pending {
		if first.IsZero() || p.deadline.Before(first) {
			first = p.deadline
		}
	}
	return first, !first.IsZero()
}
