package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/fx"

	"github.com/MUYAHGaious/izichat/internal/api"
	"github.com/MUYAHGaious/izichat/internal/lock"
	"github.com/MUYAHGaious/izichat/internal/session"
	"github.com/MUYAHGaious/izichat/internal/status"
)

// testHome points IZICHAT_HOME at a short temp dir. Unix socket paths are
// limited to ~104 chars on macOS, so t.TempDir is too deep.
func testHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "izichat-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv("IZICHAT_HOME", dir)
	t.Setenv("IZICHAT_SERVER_WS_URL", "")
	t.Setenv("IZICHAT_SERVER_API_URL", "")
	t.Setenv("IZICHAT_AUTH_TOKEN", "")
	t.Chdir(dir)
	return dir
}

func testParams(dir, name string) Params {
	return Params{
		SessionName: name,
		SocketPath:  filepath.Join(dir, name+".sock"),
		ConfigPath:  filepath.Join(dir, "missing.toml"),
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	dir := testHome(t)
	if err := fx.ValidateApp(Module(testParams(dir, "fxtest"))); err != nil {
		t.Fatalf("ValidateApp() error = %v", err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	dir := testHome(t)
	p := testParams(dir, "test")

	app := fx.New(Module(p), fx.NopLogger)
	if err := app.Err(); err != nil {
		t.Fatalf("fx.New() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stopped := false
	defer func() {
		if !stopped {
			_ = app.Stop(ctx)
		}
	}()

	c, err := api.Dial(p.SocketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if st.Session != "test" {
		t.Errorf("session = %q, want test", st.Session)
	}
	if st.State != string(status.Disconnected) || st.SignedIn {
		t.Errorf("status = %+v, want disconnected and signed out", st)
	}

	// Without a token nothing can be listed or created for a user.
	if _, err := c.ListConversations(ctx, &api.ListConversationsRequest{}); err == nil {
		t.Error("ListConversations without identity: expected error")
	}

	if _, err := os.Stat(session.AppDBPath("test")); err != nil {
		t.Errorf("database not created: %v", err)
	}
	if _, err := os.Stat(session.BlobDir("test")); err != nil {
		t.Errorf("blob dir not created: %v", err)
	}
	held, err := lock.Held(session.Dir("test"))
	if err != nil {
		t.Fatal(err)
	}
	if !held {
		t.Error("session lock not held while daemon runs")
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	stopped = true

	if _, err := os.Stat(p.SocketPath); !os.IsNotExist(err) {
		t.Errorf("socket still present after stop: %v", err)
	}
	held, err = lock.Held(session.Dir("test"))
	if err != nil {
		t.Fatal(err)
	}
	if held {
		t.Error("session lock still held after stop")
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	dir := testHome(t)
	p := testParams(dir, "busy")

	first := fx.New(Module(p), fx.NopLogger)
	if err := first.Err(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Stop(ctx) }()

	second := testParams(dir, "busy")
	second.SocketPath = filepath.Join(dir, "busy2.sock")
	app := fx.New(Module(second), fx.NopLogger)
	err := app.Err()
	if err == nil {
		_ = app.Stop(ctx)
		t.Fatal("second daemon started on a held session")
	}
	if !strings.Contains(err.Error(), "session lock held") {
		t.Errorf("error = %v, want lock held", err)
	}
}
