package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HatiCode/foresight/pkg/models"
	"github.com/HatiCode/foresight/pkg/pipeline"
)

type gaugeStub struct{ last atomic.Int64 }

func (g *gaugeStub) SetActiveSessions(n int) { g.last.Store(int64(n)) }

func newRegistry(ttl time.Duration, g Gauge) *Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := pipeline.NewRunner(models.NewBaselineForecaster(), 1, logger, nil)
	return New(runner, ttl, logger, g)
}

func TestRegistry_CreateWithDelete(t *testing.T) {
	g := &gaugeStub{}
	r := newRegistry(time.Hour, g)
	ctx := context.Background()

	id := r.Create()
	if r.Len() != 1 || g.last.Load() != 1 {
		t.Fatalf("Len()/gauge = %d/%d, want 1/1", r.Len(), g.last.Load())
	}

	var state pipeline.Stage
	if err := r.With(ctx, id, func(s *pipeline.Session) error {
		state = s.State()
		return nil
	}); err != nil {
		t.Fatalf("With() error = %v", err)
	}
	if state != pipeline.StageEmpty {
		t.Errorf("State() = %s, want empty", state)
	}

	wantErr := errors.New("stage failed")
	if err := r.With(ctx, id, func(*pipeline.Session) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("With() error = %v, want %v", err, wantErr)
	}

	if err := r.Delete(id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if g.last.Load() != 0 {
		t.Errorf("gauge = %d after delete, want 0", g.last.Load())
	}
	if err := r.With(ctx, id, func(*pipeline.Session) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("With() after Delete error = %v, want ErrNotFound", err)
	}
	if err := r.Delete(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_UnknownIDs(t *testing.T) {
	r := newRegistry(time.Hour, nil)
	for _, id := range []string{"", "not-a-uuid", "6f1c1f0e-6b39-4a47-9a3e-0d8c55b8e7a1"} {
		if err := r.With(context.Background(), id, func(*pipeline.Session) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Errorf("With(%q) error = %v, want ErrNotFound", id, err)
		}
	}
}

func TestRegistry_SerializesPerSession(t *testing.T) {
	r := newRegistry(time.Hour, nil)
	id := r.Create()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.With(context.Background(), id, func(*pipeline.Session) error {
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("With() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxActive.Load() != 1 {
		t.Errorf("max concurrent requests on one session = %d, want 1", maxActive.Load())
	}
}

func TestRegistry_WithHonorsContext(t *testing.T) {
	r := newRegistry(time.Hour, nil)
	id := r.Create()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = r.With(context.Background(), id, func(*pipeline.Session) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.With(ctx, id, func(*pipeline.Session) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("With() error = %v, want DeadlineExceeded", err)
	}

	close(release)
	if err := r.With(context.Background(), id, func(*pipeline.Session) error { return nil }); err != nil {
		t.Errorf("With() after release error = %v", err)
	}
}

func TestRegistry_Sweep(t *testing.T) {
	g := &gaugeStub{}
	r := newRegistry(time.Hour, g)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	stale := r.Create()
	now = now.Add(50 * time.Minute)
	fresh := r.Create()

	now = now.Add(20 * time.Minute)
	if n := r.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if err := r.With(context.Background(), stale, func(*pipeline.Session) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale session error = %v, want ErrNotFound", err)
	}

	info, err := r.Info(context.Background(), fresh)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if !info.LastUsed.Equal(now) {
		t.Errorf("LastUsed = %v, want %v", info.LastUsed, now)
	}
	if g.last.Load() != 1 {
		t.Errorf("gauge = %d, want 1", g.last.Load())
	}
}

func TestRegistry_SweepDisabled(t *testing.T) {
	r := newRegistry(0, nil)
	r.Create()
	r.now = func() time.Time { return time.Now().Add(1000 * time.Hour) }
	if n := r.Sweep(); n != 0 || r.Len() != 1 {
		t.Errorf("Sweep() = %d, Len() = %d; want 0, 1", n, r.Len())
	}
}

func TestRegistry_StartSweeper(t *testing.T) {
	r := newRegistry(time.Nanosecond, nil)
	if err := r.StartSweeper("not a schedule"); err == nil {
		t.Error("StartSweeper() with invalid spec should fail")
	}

	if err := r.StartSweeper("@every 1s"); err != nil {
		t.Fatalf("StartSweeper() error = %v", err)
	}
	r.Stop()
	r.Stop()
}
