package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/HatiCode/foresight/cmd/studio/config"
	"github.com/HatiCode/foresight/pkg/storage"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func waitHealthy(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s never became healthy", url)
}

func TestServe(t *testing.T) {
	cfg := testConfig()
	cfg.Listen = freeAddr(t)
	cfg.GRPCListen = freeAddr(t)
	cfg.Storage = "memory"
	cfg.Redis.TTL = time.Hour
	cfg.MaxUploadBytes = 1 << 20
	cfg.Session = config.Session{IdleTTL: time.Hour, Sweep: "@every 1m"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, discard()) }()

	base := "http://" + cfg.Listen
	waitHealthy(t, base+"/healthz")

	resp, err := http.Post(base+"/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /sessions error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("POST /sessions status = %d, want 201", resp.StatusCode)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics status = %d, want 200", resp.StatusCode)
	}

	conn, err := grpc.NewClient(cfg.GRPCListen, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient() error = %v", err)
	}
	defer conn.Close()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	health, err := grpc_health_v1.NewHealthClient(conn).Check(checkCtx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health Check() error = %v", err)
	}
	if health.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("health status = %v, want SERVING", health.GetStatus())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() error = %v, want nil after cancel", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve() did not return after cancel")
	}
}

func TestNewStore(t *testing.T) {
	cfg := testConfig()

	cfg.Storage = "memory"
	store, check, closeFn, err := newStore(cfg, discard())
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	defer closeFn()
	if _, ok := store.(*storage.MemoryStore); !ok {
		t.Errorf("store = %T, want *storage.MemoryStore", store)
	}
	if check != nil {
		t.Error("memory store should have no health check")
	}
}

func TestNewRunner(t *testing.T) {
	cfg := testConfig()
	cfg.FoldTimeout = time.Minute

	runner, err := newRunner(cfg, discard(), nil)
	if err != nil {
		t.Fatalf("newRunner() error = %v", err)
	}
	if runner.Forecaster().Name() != "baseline" || runner.FoldTimeout != time.Minute {
		t.Errorf("runner = %s/%v", runner.Forecaster().Name(), runner.FoldTimeout)
	}

	cfg.Forecaster = "byom"
	cfg.BYOM.URL = "http://127.0.0.1:1"
	cfg.BYOM.TLS = config.TLS{Enabled: true, CAFile: "/nonexistent/ca.pem"}
	if _, err := newRunner(cfg, discard(), nil); err == nil {
		t.Error("newRunner() with an unreadable BYOM CA should fail")
	}
}
