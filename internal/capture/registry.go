package capture

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry owns one Machine per session. Machines are held in process
// memory because the stream they wrap is bound to this process.
type Registry struct {
	mu        sync.Mutex
	opts      Options
	newStream func() Stream
	machines  map[string]*Machine
	touched   map[string]time.Time
	now       func() time.Time
	logger    *zap.Logger
}

// NewRegistry creates a registry whose machines use client-fed streams.
func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	return &Registry{
		opts:      opts,
		newStream: func() Stream { return NewClientStream() },
		machines:  make(map[string]*Machine),
		touched:   make(map[string]time.Time),
		now:       time.Now,
		logger:    logger.Named("capture"),
	}
}

// Machine returns the session's machine, creating an idle one if needed.
func (r *Registry) Machine(sessionID string) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.touched[sessionID] = r.now()
	if m, ok := r.machines[sessionID]; ok {
		return m
	}
	logger := r.logger.With(zap.String("session_id", sessionID))
	m := NewMachine(r.newStream(), r.opts, func(c Capture) {
		logger.Info("live image captured", zap.String("source", string(c.Source)))
	})
	r.machines[sessionID] = m
	return m
}

// Lookup returns the session's machine without creating one.
func (r *Registry) Lookup(sessionID string) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.machines[sessionID]
	if ok {
		r.touched[sessionID] = r.now()
	}
	return m, ok
}

// Touch marks the session's machine, if any, as in use.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.machines[sessionID]; ok {
		r.touched[sessionID] = r.now()
	}
}

// Start opens the session's stream and arms its timers.
func (r *Registry) Start(ctx context.Context, sessionID string) (*Machine, error) {
	m := r.Machine(sessionID)
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Remove stops the session's machine and forgets it.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	m, ok := r.machines[sessionID]
	delete(r.machines, sessionID)
	delete(r.touched, sessionID)
	r.mu.Unlock()

	if ok {
		r.stop(sessionID, m)
	}
}

// Sweep stops and forgets machines untouched for longer than maxIdle and
// returns how many were evicted.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	idle := make(map[string]*Machine)
	for id, m := range r.machines {
		if r.touched[id].Before(cutoff) {
			idle[id] = m
			delete(r.machines, id)
			delete(r.touched, id)
		}
	}
	r.mu.Unlock()

	for id, m := range idle {
		r.logger.Info("evicting idle capture", zap.String("session_id", id))
		r.stop(id, m)
	}
	return len(idle)
}

// Run sweeps idle machines every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(maxIdle)
		}
	}
}

// Close stops every machine. It is called on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	machines := r.machines
	r.machines = make(map[string]*Machine)
	r.touched = make(map[string]time.Time)
	r.mu.Unlock()

	for id, m := range machines {
		r.stop(id, m)
	}
}

func (r *Registry) stop(sessionID string, m *Machine) {
	if err := m.Stop(); err != nil {
		r.logger.Warn("failed to release stream", zap.String("session_id", sessionID), zap.Error(err))
	}
}
