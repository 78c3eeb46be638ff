package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/linkwatch/internal/hub"
)

// LogSubscriber logs every change it is notified of.
type LogSubscriber struct{}

// Notify implements hub.Subscriber.
func (LogSubscriber) Notify(_ context.Context, ev hub.Event[Change]) error {
	log.Info().
		Str("category", ev.Category).
		Str("path", ev.Payload.Path).
		Str("op", ev.Payload.Op.String()).
		Msg("file changed")
	return nil
}

// SizeSubscriber remembers the largest size seen for each path and reports
// only growth past it. Every path starts at zero.
type SizeSubscriber struct {
	// OnGrow is called with the new size when a file grows past its
	// previous maximum. Optional.
	OnGrow func(path string, size int64)

	mu    sync.Mutex
	sizes map[string]int64
}

// NewSizeSubscriber creates an empty size tracker.
func NewSizeSubscriber() *SizeSubscriber {
	return &SizeSubscriber{sizes: make(map[string]int64)}
}

// Notify implements hub.Subscriber. A file that no longer exists is forgotten.
func (s *SizeSubscriber) Notify(_ context.Context, ev hub.Event[Change]) error {
	path := ev.Payload.Path
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.mu.Lock()
		delete(s.sizes, path)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}

	size := info.Size()
	s.mu.Lock()
	if s.sizes == nil {
		s.sizes = make(map[string]int64)
	}
	prev := s.sizes[path]
	grew := size > prev
	if grew {
		s.sizes[path] = size
	}
	s.mu.Unlock()

	if !grew {
		return nil
	}
	log.Info().
		Str("path", path).
		Int64("size", size).
		Int64("previous", prev).
		Msg("file grew")
	if s.OnGrow != nil {
		s.OnGrow(path, size)
	}
	return nil
}

// Size returns the largest size recorded for path.
func (s *SizeSubscriber) Size(path string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, ok := s.sizes[path]
	return size, ok
}
