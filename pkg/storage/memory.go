package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps artifacts in a map. It is safe for concurrent use.
//
// With a TTL, a background goroutine removes artifacts older than the TTL;
// call Stop to end it. Use RedisStore when several replicas serve downloads.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]Artifact
	ttl       time.Duration
	now       func() time.Time

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopOnce      sync.Once
}

// NewMemoryStore creates a store that keeps artifacts until deleted.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts: make(map[string]Artifact),
		now:       time.Now,
	}
}

// NewMemoryStoreWithTTL creates a store that expires artifacts ttl after
// they were generated. Expired artifacts are never returned by Get and are
// swept every cleanupInterval (default one minute).
func NewMemoryStoreWithTTL(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		panic("TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	store := &MemoryStore{
		artifacts:     make(map[string]Artifact),
		ttl:           ttl,
		now:           time.Now,
		cleanupTicker: time.NewTicker(cleanupInterval),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	go store.runCleanup()

	return store
}

// Stop ends the cleanup goroutine. It is safe to call more than once and on
// a store without TTL.
func (s *MemoryStore) Stop() {
	if s.cleanupTicker == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
		s.cleanupTicker.Stop()
	})
}

func (s *MemoryStore) runCleanup() {
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for session, a := range s.artifacts {
		if s.expired(a) {
			delete(s.artifacts, session)
		}
	}
}

func (s *MemoryStore) expired(a Artifact) bool {
	return s.ttl > 0 && s.now().Sub(a.GeneratedAt) > s.ttl
}

// Put stores an artifact, replacing the previous one of the same session.
func (s *MemoryStore) Put(ctx context.Context, artifact Artifact) error {
	if err := validateKey(artifact.Session); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.artifacts[artifact.Session] = artifact
	return nil
}

// Get returns the latest artifact of a session. found is false when there
// is none or it has expired.
func (s *MemoryStore) Get(ctx context.Context, session string) (Artifact, bool, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, found := s.artifacts[session]
	if !found || s.expired(a) {
		return Artifact{}, false, nil
	}
	return a, true, nil
}

// Delete removes the artifact of a session, if any.
func (s *MemoryStore) Delete(ctx context.Context, session string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.artifacts, session)
	return nil
}

// Len returns the number of stored artifacts, expired ones included until
// the next sweep.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.artifacts)
}
