package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/history"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/config"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/database"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/nxmtest"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/supervisor"
	"github.com/nerrad567/graylogic-nxm-bridge/migrations"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", writeConfig(t, `
site:
  id: test-site
database:
  path: ""
api:
  enabled: false
`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

// TestRun_UnreachableMQTT verifies run fails when an enabled broker cannot
// be reached.
func TestRun_UnreachableMQTT(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("GRAYLOGIC_CONFIG", writeConfig(t, fmt.Sprintf(`
site:
  id: test-site
database:
  path: %q
mqtt:
  enabled: true
  broker:
    host: "127.0.0.1"
    port: %d
    client_id: "test-client"
api:
  enabled: false
`, dbPath, freePort(t))))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail when MQTT is unreachable")
	}
}

// TestRun_EndToEnd starts the bridge against a fake appliance, reads the
// mirrored state through the API and shuts down cleanly.
func TestRun_EndToEnd(t *testing.T) {
	appliance := nxmtest.NewServer()
	defer appliance.Close()

	port := freePort(t)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("GRAYLOGIC_CONFIG", writeConfig(t, fmt.Sprintf(`
site:
  id: test-site
appliance:
  host: %q
  username: %q
  password: %q
  insecure_skip_verify: true
supervisor:
  job_spacing: 1ms
database:
  path: %q
api:
  enabled: true
  host: "127.0.0.1"
  port: %d
logging:
  level: warn
  format: text
`, appliance.Host(), nxmtest.Username, nxmtest.Password, dbPath, port)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d/api/v1", port)
	deadline := time.Now().Add(10 * time.Second)
	live := false
	for time.Now().Before(deadline) && !live {
		var body struct {
			Connection struct {
				Status string `json:"status"`
			} `json:"connection"`
		}
		if getJSON(base+"/status", &body) == nil && body.Connection.Status == supervisor.StatusLive.String() {
			live = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !live {
		cancel()
		<-done
		t.Fatal("bridge did not reach Live")
	}

	var routing struct {
		Routes map[string]struct {
			VideoSource string `json:"VideoSource"`
		} `json:"Routes"`
	}
	if err := getJSON(base+"/snapshot/AvMatrixRoutingV2", &routing); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got := routing.Routes["Output1"].VideoSource; got != "Input1" {
		t.Errorf("Output1 video = %q, want Input1", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
	if appliance.Logouts() == 0 {
		t.Error("bridge did not log out of the appliance on shutdown")
	}
}

func getJSON(url string, v any) error {
	resp, err := http.Get(url) //nolint:gosec,noctx // test URL
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("GRAYLOGIC_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestSupervisorOptions(t *testing.T) {
	cfg := &config.Config{
		Appliance: config.ApplianceConfig{
			Host:               "10.0.0.5",
			Username:           "admin",
			Password:           "pw",
			InsecureSkipVerify: true,
			RequestTimeout:     7 * time.Second,
		},
		Supervisor: config.SupervisorConfig{
			ReconnectDelay:    5 * time.Second,
			KeepaliveInterval: 30 * time.Second,
			NotifyWindow:      50 * time.Millisecond,
			RedefineWindow:    5 * time.Second,
			JobSpacing:        20 * time.Millisecond,
		},
	}

	opts := supervisorOptions(cfg, logging.Discard())
	if opts.Appliance.Host != "10.0.0.5" || opts.Appliance.Password != "pw" || !opts.Appliance.InsecureSkipVerify {
		t.Errorf("appliance = %+v", opts.Appliance)
	}
	if opts.Appliance.RequestTimeout != 7*time.Second {
		t.Errorf("RequestTimeout = %v", opts.Appliance.RequestTimeout)
	}
	if opts.KeepaliveInterval != 30*time.Second || opts.JobSpacing != 20*time.Millisecond {
		t.Errorf("timers = %+v", opts)
	}
	if opts.Logger == nil {
		t.Error("logger not set")
	}
}

// TestHealthCheck_OptionalClients verifies health check works with MQTT and
// InfluxDB disabled.
func TestHealthCheck_OptionalClients(t *testing.T) {
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "h.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := healthCheck(context.Background(), db, nil, nil); err != nil {
		t.Errorf("healthCheck() = %v", err)
	}
}

func TestPruneHistory(t *testing.T) {
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "p.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	repo := history.NewSQLiteRepository(db.DB)

	ctx := context.Background()
	if err := repo.RecordChange(ctx, &history.Change{
		SiteID:     "s",
		Subsystem:  "AvioV2",
		Payload:    json.RawMessage(`{}`),
		RecordedAt: time.Now().Add(-48 * time.Hour),
	}); err != nil {
		t.Fatalf("RecordChange: %v", err)
	}

	t.Run("non-positive retention returns immediately", func(t *testing.T) {
		done := make(chan struct{})
		go func() {
			pruneHistory(ctx, repo, 0, logging.Discard())
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("pruneHistory did not return")
		}
	})

	t.Run("prunes on start", func(t *testing.T) {
		pctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			pruneHistory(pctx, repo, 24*time.Hour, logging.Discard())
			close(done)
		}()

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			changes, err := repo.ListChanges(ctx, "AvioV2", 0)
			if err == nil && len(changes) == 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
		<-done

		changes, err := repo.ListChanges(ctx, "AvioV2", 0)
		if err != nil {
			t.Fatalf("ListChanges: %v", err)
		}
		if len(changes) != 0 {
			t.Errorf("%d changes left after prune", len(changes))
		}
	})
}
