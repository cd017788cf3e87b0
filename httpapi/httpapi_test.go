package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndibridge/bridge/stats"
)

type fakeProvider struct {
	snap stats.Snapshot
}

func (f fakeProvider) Snapshot() stats.Snapshot { return f.snap }

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestStatsEndpoint(t *testing.T) {
	addr := freeAddr(t)
	provider := fakeProvider{snap: stats.Snapshot{Role: stats.RoleSender, UptimeMs: 42}}
	srv := New(addr, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	waitForListener(t, addr)

	resp, err := http.Get("http://" + addr + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got stats.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, stats.RoleSender, got.Role)
	assert.EqualValues(t, 42, got.UptimeMs)

	cancel()
	require.NoError(t, <-done)
}

func TestHealthzEndpoint(t *testing.T) {
	addr := freeAddr(t)
	srv := New(addr, fakeProvider{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	waitForListener(t, addr)

	resp, err := http.Get("http://" + addr + "/api/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server at %s never started listening", addr)
}
