package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func artifact(session string) Artifact {
	return Artifact{
		Session:     session,
		GeneratedAt: time.Now(),
		Forecaster:  "baseline",
		HorizonDays: 2,
		Rows:        2,
		ContentType: "text/csv",
		Data:        []byte("ds,yhat_lower,yhat,yhat_upper\n2024-01-01,8,10,12\n"),
	}
}

func TestMemoryStore_PutGet(t *testing.T) {
	tests := []struct {
		name     string
		artifact Artifact
		wantErr  bool
	}{
		{name: "valid", artifact: artifact("3f1c-42_ab")},
		{name: "empty session", artifact: artifact(""), wantErr: true},
		{name: "invalid characters", artifact: artifact("a:b"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			ctx := context.Background()

			err := store.Put(ctx, tt.artifact)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Put() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			got, found, err := store.Get(ctx, tt.artifact.Session)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if !found {
				t.Fatal("Get() found = false, want true")
			}
			if string(got.Data) != string(tt.artifact.Data) || got.Rows != tt.artifact.Rows {
				t.Errorf("Get() = %+v, want %+v", got, tt.artifact)
			}
		})
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore()
	_, found, err := store.Get(context.Background(), "nope")
	if err != nil || found {
		t.Errorf("Get() = found %v, err %v; want false, nil", found, err)
	}
}

func TestMemoryStore_Replace(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := artifact("s1")
	second := artifact("s1")
	second.Rows = 31

	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, second); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, _, _ := store.Get(ctx, "s1")
	if got.Rows != 31 {
		t.Errorf("Rows = %d, want 31", got.Rows)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Put(ctx, artifact("s1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, found, _ := store.Get(ctx, "s1"); found {
		t.Error("artifact still present after Delete()")
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestMemoryStore_ContextCanceled(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Put(ctx, artifact("s1")); err == nil {
		t.Error("Put() with canceled context should fail")
	}
	if _, _, err := store.Get(ctx, "s1"); err == nil {
		t.Error("Get() with canceled context should fail")
	}
}

func TestMemoryStore_TTL(t *testing.T) {
	store := NewMemoryStoreWithTTL(time.Hour, time.Hour)
	defer store.Stop()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	ctx := context.Background()
	fresh := artifact("fresh")
	fresh.GeneratedAt = now.Add(-30 * time.Minute)
	stale := artifact("stale")
	stale.GeneratedAt = now.Add(-2 * time.Hour)

	for _, a := range []Artifact{fresh, stale} {
		if err := store.Put(ctx, a); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	if _, found, _ := store.Get(ctx, "stale"); found {
		t.Error("expired artifact returned by Get()")
	}
	if _, found, _ := store.Get(ctx, "fresh"); !found {
		t.Error("fresh artifact not returned by Get()")
	}

	store.cleanup()
	if store.Len() != 1 {
		t.Errorf("Len() after cleanup = %d, want 1", store.Len())
	}
}

func TestMemoryStore_StopIdempotent(t *testing.T) {
	store := NewMemoryStoreWithTTL(time.Minute, 10*time.Millisecond)
	store.Stop()
	store.Stop()

	NewMemoryStore().Stop()
}

func TestMemoryStore_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session := fmt.Sprintf("s%d", i%5)
			if err := store.Put(ctx, artifact(session)); err != nil {
				t.Errorf("Put() error = %v", err)
			}
			if _, _, err := store.Get(ctx, session); err != nil {
				t.Errorf("Get() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if store.Len() != 5 {
		t.Errorf("Len() = %d, want 5", store.Len())
	}
}
