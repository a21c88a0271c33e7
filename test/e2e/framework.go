// Package e2e exercises the full daemon stack: configuration, volume
// registry, wire adapter, and client, over a real TCP loopback.
package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nvmux/nvmux/pkg/adapter/wire"
	"github.com/nvmux/nvmux/pkg/client"
	"github.com/nvmux/nvmux/pkg/config"
	"github.com/nvmux/nvmux/pkg/registry"
	"github.com/nvmux/nvmux/pkg/server"
)

// TestServer hosts a complete nvmux daemon on a loopback listener.
type TestServer struct {
	t        testing.TB
	Addr     string
	Registry *registry.Registry

	cancel context.CancelFunc
	done   chan error
}

// StartServer builds the registry and adapters from cfg and serves
// them on an ephemeral port. The wire listen address is overridden to
// 127.0.0.1:0; read the actual address from TestServer.Addr.
func StartServer(t testing.TB, cfg *config.Config) *TestServer {
	t.Helper()

	config.ApplyDefaults(cfg)
	cfg.Server.Wire.Listen = "127.0.0.1:0"
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("config validation failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	reg, err := config.BuildRegistry(ctx, cfg)
	if err != nil {
		cancel()
		t.Fatalf("failed to build registry: %v", err)
	}

	adapters, err := config.CreateAdapters(cfg, nil)
	if err != nil {
		cancel()
		t.Fatalf("failed to create adapters: %v", err)
	}

	srv := server.New(reg)
	var wireAdapter *wire.WireAdapter
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			cancel()
			t.Fatalf("failed to add adapter: %v", err)
		}
		if wa, ok := a.(*wire.WireAdapter); ok {
			wireAdapter = wa
		}
	}
	if wireAdapter == nil {
		cancel()
		t.Fatal("no wire adapter configured")
	}

	ts := &TestServer{
		t:        t,
		Registry: reg,
		cancel:   cancel,
		done:     make(chan error, 1),
	}

	go func() {
		ts.done <- srv.Serve(ctx)
	}()

	// Wait for the listener to come up and report its port
	deadline := time.Now().Add(5 * time.Second)
	for {
		if port := wireAdapter.Port(); port != 0 {
			ts.Addr = fmt.Sprintf("127.0.0.1:%d", port)
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("wire adapter did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	return ts
}

// Stop shuts the daemon down and waits for it to drain.
func (ts *TestServer) Stop() {
	ts.t.Helper()

	ts.cancel()
	select {
	case err := <-ts.done:
		if err != nil && err != context.Canceled {
			ts.t.Errorf("server stopped with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		ts.t.Error("server did not stop in time")
	}

	if err := ts.Registry.Close(context.Background()); err != nil {
		ts.t.Errorf("failed to close registry: %v", err)
	}
}

// DialClient connects a wire client to the test server.
func (ts *TestServer) DialClient(ctx context.Context) *client.Client {
	ts.t.Helper()

	c, err := client.Dial(ctx, ts.Addr)
	if err != nil {
		ts.t.Fatalf("failed to dial %s: %v", ts.Addr, err)
	}
	return c
}

// AwaitNote blocks until the client receives a completion of the given
// kind, failing the test on timeout or a completion error.
func AwaitNote(t testing.TB, c *client.Client, kind uint32) client.Notification {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case note, ok := <-c.Notifications():
			if !ok {
				t.Fatal("notification channel closed")
			}
			if note.Kind != kind {
				continue
			}
			if note.Err != nil {
				t.Fatalf("completion failed: %v", note.Err)
			}
			return note
		case <-deadline:
			t.Fatalf("timed out waiting for notification kind %d", kind)
		}
	}
}

// MemoryVolumeConfig returns a config with one memory-backed volume.
func MemoryVolumeConfig(name string) *config.Config {
	return &config.Config{
		Volumes: []config.VolumeConfig{
			{
				Name: name,
				Medium: config.MediumConfig{
					Type:    "memory",
					Options: map[string]any{"size": uint64(65536)},
				},
				Layout: config.LayoutConfig{
					UserStart:   0,
					UserSize:    32768,
					KernelStart: 32768,
					KernelSize:  32768,
				},
				AppRegionSize:      1024,
				TransferBufferSize: 1024,
			},
		},
	}
}
