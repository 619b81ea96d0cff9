package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xxmessenger/courier/internal/api"
	"github.com/xxmessenger/courier/internal/config"
	"github.com/xxmessenger/courier/internal/lock"
	"github.com/xxmessenger/courier/internal/profile"
	"github.com/xxmessenger/courier/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap/zapcore"
)

func setHome(t *testing.T) string {
	t.Helper()
	// Use a short path to avoid the 104-char Unix socket limit on macOS.
	home, err := os.MkdirTemp("/tmp", "courier-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv(profile.EnvHome, home)
	return home
}

func newApp(name string) *fx.App {
	return fx.New(
		fx.NopLogger,
		Module(Params{Profile: name, Config: config.Defaults(), LogLevel: zapcore.WarnLevel}),
	)
}

func call(t *testing.T, c *api.Client, method string, req map[string]any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.Call(ctx, method, req)
	if err != nil {
		t.Fatalf("%s error = %v", method, err)
	}
	return out
}

func TestDaemonLifecycle(t *testing.T) {
	setHome(t)
	app := newApp("test")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	client, err := api.NewClient(profile.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	// The simulated network comes up right after start.
	deadline := time.Now().Add(5 * time.Second)
	var resp map[string]any
	for {
		resp = call(t, client, "GetStatus", nil)
		if resp["status"] == string(status.Online) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %v, want %s", resp["status"], status.Online)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if resp["profile"] != "test" {
		t.Errorf("profile = %v, want test", resp["profile"])
	}
	if resp["username"] != "me" {
		t.Errorf("username = %v, want me", resp["username"])
	}
	firstID := resp["id"]

	contacts := call(t, client, "ListContacts", nil)
	if n := len(contacts["contacts"].([]any)); n != 0 {
		t.Errorf("expected 0 contacts, got %d", n)
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(profile.SocketPath("test")); !os.IsNotExist(err) {
		t.Errorf("socket still present after stop: %v", err)
	}

	// A restart keeps the identity.
	app = newApp("test")
	if err := app.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer func() { _ = app.Stop(ctx) }()

	reconnected, err := api.NewClient(profile.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reconnected.Close() }()
	again := call(t, reconnected, "GetStatus", nil)
	if again["id"] != firstID {
		t.Errorf("id changed across restart: %v != %v", again["id"], firstID)
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	setHome(t)
	if err := profile.EnsureDir("busy"); err != nil {
		t.Fatal(err)
	}
	held, err := lock.Acquire(profile.LockPath("busy"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = held.Release() }()

	app := newApp("busy")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = app.Start(ctx)
	if err == nil {
		_ = app.Stop(ctx)
		t.Fatal("expected start to fail while the lock is held")
	}
	var lhe *lock.LockHeldError
	if !errors.As(err, &lhe) {
		t.Errorf("error = %v, want LockHeldError", err)
	}
}

func TestUnsupportedTransport(t *testing.T) {
	setHome(t)
	cfg := config.Defaults()
	cfg.Transport.Kind = "cmix"
	app := fx.New(fx.NopLogger, Module(Params{Profile: "odd", Config: cfg, LogLevel: zapcore.WarnLevel}))
	if app.Err() == nil {
		t.Fatal("expected construction to fail for an unknown transport")
	}
}

func TestIdentityCreatedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.toml")

	first, err := loadIdentity(path, "alice")
	if err != nil {
		t.Fatal(err)
	}
	second, err := loadIdentity(path, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !first.ID.Cmp(second.ID) {
		t.Errorf("id changed: %s != %s", first.ID, second.ID)
	}
	if second.Username != "alice" {
		t.Errorf("username = %q, want alice", second.Username)
	}
	if string(second.Marshaled) != string(first.Marshaled) {
		t.Error("marshaled identity changed")
	}
}
