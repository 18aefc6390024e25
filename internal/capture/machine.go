// Package capture implements the live-capture step: a camera stream that is
// snapshotted automatically after a delay, with a manual upload that
// pre-empts it.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ekyc/internal/session"
)

// State is the position of a Machine in the capture flow.
type State string

const (
	StateIdle         State = "idle"
	StateMessageShown State = "message-shown"
	StateCaptured     State = "captured"
)

// ErrNotStarted is returned by operations that need an open stream.
var ErrNotStarted = errors.New("capture: stream not started")

// Options sets the two timer delays, both measured from Start.
type Options struct {
	PromptDelay  time.Duration
	CaptureDelay time.Duration
}

// DefaultOptions prompt at two seconds and capture at five.
var DefaultOptions = Options{PromptDelay: 2 * time.Second, CaptureDelay: 5 * time.Second}

// Capture is the image chosen for the face comparison.
type Capture struct {
	DataURI string
	Source  session.CaptureSource
	At      time.Time
}

// Status is a point-in-time view of a Machine.
type Status struct {
	State      State                 `json:"state"`
	StreamOpen bool                  `json:"stream_open"`
	Source     session.CaptureSource `json:"source,omitempty"`
	CapturedAt *time.Time            `json:"captured_at,omitempty"`
}

// Machine is the capture state machine for one session.
//
// Every transition bumps generation. Timer callbacks carry the generation
// they were scheduled under and do nothing once it is stale, so a timer
// that fires concurrently with Upload, Retake or Stop cannot overwrite the
// outcome of that transition.
type Machine struct {
	mu         sync.Mutex
	opts       Options
	stream     Stream
	streamOpen bool
	state      State
	capture    *Capture
	generation uint64
	timers     []*time.Timer
	onCapture  func(Capture)
}

// NewMachine returns an idle machine over stream. onCapture, if set, runs
// under the machine lock after every capture and must not call back into it.
func NewMachine(stream Stream, opts Options, onCapture func(Capture)) *Machine {
	return &Machine{opts: opts, stream: stream, state: StateIdle, onCapture: onCapture}
}

// Start acquires the stream and schedules the prompt and auto-capture
// timers. Starting a running machine is a no-op. An earlier capture is kept
// until a newer one replaces it.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.streamOpen {
		return nil
	}
	if err := m.stream.Open(ctx); err != nil {
		return err
	}
	m.streamOpen = true
	m.state = StateIdle
	if m.capture != nil {
		m.state = StateCaptured
	}
	m.scheduleLocked()
	return nil
}

// PushFrame forwards a camera frame to the stream.
func (m *Machine) PushFrame(frame Frame) error {
	m.mu.Lock()
	open := m.streamOpen
	m.mu.Unlock()
	if !open {
		return ErrNotStarted
	}
	return m.stream.Push(frame)
}

// Upload records a manually chosen image. It cancels any pending timer and
// replaces whatever was captured before.
func (m *Machine) Upload(dataURI string) Capture {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	return m.setCaptureLocked(Capture{DataURI: dataURI, Source: session.SourceUpload, At: time.Now()})
}

// Retake drops the current capture and, when the stream is open, restarts
// both timers.
func (m *Machine) Retake() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	m.capture = nil
	m.state = StateIdle
	if m.streamOpen {
		m.scheduleLocked()
	}
}

// Stop cancels pending timers and releases the stream. The capture, if
// any, is kept. Stopping twice releases once.
func (m *Machine) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	if !m.streamOpen {
		return nil
	}
	m.streamOpen = false
	return m.stream.Close()
}

// Current returns the capture, if there is one.
func (m *Machine) Current() (Capture, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capture == nil {
		return Capture{}, false
	}
	return *m.capture, true
}

// Status reports the current state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{State: m.state, StreamOpen: m.streamOpen}
	if m.capture != nil {
		at := m.capture.At
		st.Source = m.capture.Source
		st.CapturedAt = &at
	}
	return st
}

func (m *Machine) scheduleLocked() {
	m.generation++
	gen := m.generation
	m.timers = append(m.timers,
		time.AfterFunc(m.opts.PromptDelay, func() { m.onPrompt(gen) }),
		time.AfterFunc(m.opts.CaptureDelay, func() { m.onAutoCapture(gen) }),
	)
}

func (m *Machine) cancelLocked() {
	m.generation++
	for _, timer := range m.timers {
		timer.Stop()
	}
	m.timers = nil
}

func (m *Machine) onPrompt(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation || m.state != StateIdle {
		return
	}
	m.state = StateMessageShown
}

// onAutoCapture snapshots the stream. Without a frame it leaves the machine
// as it is.
func (m *Machine) onAutoCapture(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation || !m.streamOpen {
		return
	}
	frame, ok := m.stream.Snapshot()
	if !ok || frame.DataURI == "" {
		return
	}
	m.timers = nil
	m.setCaptureLocked(Capture{DataURI: frame.DataURI, Source: session.SourceCamera, At: time.Now()})
}

func (m *Machine) setCaptureLocked(c Capture) Capture {
	m.capture = &c
	m.state = StateCaptured
	if m.onCapture != nil {
		m.onCapture(c)
	}
	return c
}
