package capture

import (
	"fmt"
	"sync"
	"time"

	"anpr-toll-service/internal/domain/anpr"
)

// ScriptedSource replays a fixed list of frames. It stands in for a camera in
// tests and in dry runs without capture hardware.
type ScriptedSource struct {
	Name     string
	Frames   []anpr.Frame
	Interval time.Duration
	// Hold keeps the stream open after the last frame until Close.
	Hold bool
	// Fail makes Open report ErrSourceUnavailable.
	Fail bool

	mu     sync.Mutex
	opened int
}

func (s *ScriptedSource) Open() (Stream, error) {
	if s.Fail {
		return nil, fmt.Errorf("%w: %s", ErrSourceUnavailable, s.String())
	}
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()

	return &scriptedStream{
		frames:   s.Frames,
		interval: s.Interval,
		hold:     s.Hold,
		closed:   make(chan struct{}),
	}, nil
}

// Opened reports how many streams were opened.
func (s *ScriptedSource) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *ScriptedSource) String() string {
	if s.Name == "" {
		return "scripted"
	}
	return s.Name
}

type scriptedStream struct {
	frames   []anpr.Frame
	interval time.Duration
	hold     bool
	next     int
	seq      uint64

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *scriptedStream) Next() (anpr.Frame, error) {
	select {
	case <-s.closed:
		return anpr.Frame{}, ErrEndOfStream
	default:
	}

	if s.next >= len(s.frames) {
		if s.hold {
			<-s.closed
		}
		return anpr.Frame{}, ErrEndOfStream
	}

	if s.interval > 0 {
		select {
		case <-time.After(s.interval):
		case <-s.closed:
			return anpr.Frame{}, ErrEndOfStream
		}
	}

	f := s.frames[s.next].Clone()
	s.next++
	s.seq++
	f.Seq = s.seq
	if f.CapturedAt.IsZero() {
		f.CapturedAt = time.Now()
	}
	return f, nil
}

func (s *scriptedStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}
