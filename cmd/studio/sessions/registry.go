// Package sessions keeps the interactive pipeline sessions of the studio
// server.
//
// Each session gets a random UUID and its own mutex, so requests against
// one session run one at a time while different sessions proceed in
// parallel. Sessions idle longer than the configured TTL are dropped by a
// cron-scheduled sweep.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/HatiCode/foresight/pkg/pipeline"
)

// ErrNotFound is returned for unknown, deleted or expired session ids.
var ErrNotFound = errors.New("session not found")

// Gauge receives the number of live sessions after every change.
type Gauge interface {
	SetActiveSessions(n int)
}

type entry struct {
	mu       sync.Mutex
	session  *pipeline.Session
	created  time.Time
	lastUsed time.Time
	deleted  bool
}

// Info describes a session without exposing it.
type Info struct {
	ID       string
	Created  time.Time
	LastUsed time.Time
}

// Registry owns all sessions. It is safe for concurrent use.
type Registry struct {
	runner  *pipeline.Runner
	idleTTL time.Duration
	logger  *slog.Logger
	gauge   Gauge
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	cron *cron.Cron
}

// New creates a registry whose sessions share runner. idleTTL <= 0
// disables expiry. gauge may be nil.
func New(runner *pipeline.Runner, idleTTL time.Duration, logger *slog.Logger, gauge Gauge) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		runner:  runner,
		idleTTL: idleTTL,
		logger:  logger,
		gauge:   gauge,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Create starts an empty session and returns its id.
func (r *Registry) Create() string {
	id := uuid.NewString()
	now := r.now()

	r.mu.Lock()
	r.entries[id] = &entry{
		session:  pipeline.NewSession(r.runner),
		created:  now,
		lastUsed: now,
	}
	n := len(r.entries)
	r.mu.Unlock()

	r.report(n)
	r.logger.Debug("session created", "session", id)
	return id
}

// With runs fn with exclusive access to the session. fn must not retain
// the session after returning.
func (r *Registry) With(ctx context.Context, id string, fn func(*pipeline.Session) error) error {
	return r.withEntry(ctx, id, func(e *entry) error { return fn(e.session) })
}

// Info returns the timestamps of a session.
func (r *Registry) Info(ctx context.Context, id string) (Info, error) {
	var info Info
	err := r.withEntry(ctx, id, func(e *entry) error {
		info = Info{ID: id, Created: e.created, LastUsed: e.lastUsed}
		return nil
	})
	return info, err
}

func (r *Registry) withEntry(ctx context.Context, id string, fn func(*entry) error) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := lock(ctx, &e.mu); err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.deleted {
		return ErrNotFound
	}
	defer func() { e.lastUsed = r.now() }()
	return fn(e)
}

// Delete removes a session. It waits for a running request on the session
// to finish.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	n := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()

	r.report(n)
	r.logger.Debug("session deleted", "session", id)
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep drops sessions idle for longer than the TTL and returns how many
// were dropped. Sessions busy with a request are skipped.
func (r *Registry) Sweep() int {
	if r.idleTTL <= 0 {
		return 0
	}
	now := r.now()

	r.mu.Lock()
	var expired []string
	for id, e := range r.entries {
		if !e.mu.TryLock() {
			continue
		}
		if now.Sub(e.lastUsed) > r.idleTTL {
			e.deleted = true
			delete(r.entries, id)
			expired = append(expired, id)
		}
		e.mu.Unlock()
	}
	n := len(r.entries)
	r.mu.Unlock()

	if len(expired) > 0 {
		r.report(n)
		r.logger.Info("expired idle sessions", "count", len(expired), "remaining", n)
	}
	return len(expired)
}

// StartSweeper runs Sweep on the cron schedule spec, e.g. "@every 1m".
func (r *Registry) StartSweeper(spec string) error {
	c := cron.New(cron.WithLogger(cronLogger{r.logger}))
	if _, err := c.AddFunc(spec, func() { r.Sweep() }); err != nil {
		return err
	}
	r.cron = c
	c.Start()
	r.logger.Info("session sweeper started", "schedule", spec, "idle_ttl", r.idleTTL)
	return nil
}

// Stop halts the sweeper and waits for a running sweep to finish.
func (r *Registry) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

func (r *Registry) report(n int) {
	if r.gauge != nil {
		r.gauge.SetActiveSessions(n)
	}
}

// lock acquires mu unless ctx ends first.
func lock(ctx context.Context, mu *sync.Mutex) error {
	if mu.TryLock() {
		return nil
	}
	acquired := make(chan struct{})
	go func() {
		mu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		go func() {
			<-acquired
			mu.Unlock()
		}()
		return ctx.Err()
	}
}

// cronLogger forwards cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
