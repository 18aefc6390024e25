package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStreamClosed is returned when frames arrive for a released stream.
var ErrStreamClosed = errors.New("capture: stream closed")

// Frame is one still from the live camera feed, as a data URI.
type Frame struct {
	DataURI string
	At      time.Time
}

// Stream is the camera device feed. Open acquires the device and Close must
// release it; a Machine pairs every Open with exactly one Close.
type Stream interface {
	Open(ctx context.Context) error
	// Snapshot returns the most recent frame, if one has arrived.
	Snapshot() (Frame, bool)
	Push(frame Frame) error
	Close() error
}

// Track is one media track of a stream.
type Track struct {
	Kind    string
	Stopped bool
}

// ClientStream is fed by frames the browser posts from its camera preview.
type ClientStream struct {
	mu     sync.Mutex
	open   bool
	tracks []*Track
	latest *Frame
}

// NewClientStream returns an unopened stream.
func NewClientStream() *ClientStream {
	return &ClientStream{}
}

func (s *ClientStream) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.open = true
	s.latest = nil
	s.tracks = []*Track{{Kind: "video"}}
	return nil
}

func (s *ClientStream) Push(frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrStreamClosed
	}
	if frame.At.IsZero() {
		frame.At = time.Now()
	}
	s.latest = &frame
	return nil
}

func (s *ClientStream) Snapshot() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open || s.latest == nil {
		return Frame{}, false
	}
	return *s.latest, true
}

// Close stops every track and drops the buffered frame.
func (s *ClientStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, track := range s.tracks {
		track.Stopped = true
	}
	s.open = false
	s.latest = nil
	return nil
}

// Tracks returns a copy of the stream's tracks.
func (s *ClientStream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Track, 0, len(s.tracks))
	for _, track := range s.tracks {
		out = append(out, *track)
	}
	return out
}
