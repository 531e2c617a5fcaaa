// Package doctor runs the preflight diagnostics behind `pulsed doctor`:
// config, database, auth token, telegram, data-dir permissions, and bind
// address. Checks never mutate state beyond a throwaway write probe.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/lunahq/pulse/internal/config"
	"github.com/lunahq/pulse/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed. WARN and SKIP do not count as
// failures.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkAuthToken,
		checkTelegram,
		checkPermissions,
		checkBindAddr,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "No config.yaml yet, running on defaults",
			Detail:  fmt.Sprintf("Will be created under %s", cfg.HomeDir),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	dbPath := filepath.Join(cfg.HomeDir, "pulse.db")
	s, err := store.Open(dbPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer s.Close()

	depth, err := s.QueueDepth(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("queue_depth=%d", depth),
	}
}

func checkAuthToken(_ context.Context, cfg *config.Config) CheckResult {
	if os.Getenv("PULSE_AUTH_TOKEN") != "" {
		return CheckResult{Name: "Auth Token", Status: "PASS", Message: "PULSE_AUTH_TOKEN is set"}
	}
	if cfg == nil {
		return CheckResult{Name: "Auth Token", Status: "SKIP", Message: "Config missing"}
	}

	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	info, err := os.Stat(tokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{
				Name:    "Auth Token",
				Status:  "WARN",
				Message: "No token yet, one is generated on first run",
				Detail:  tokenPath,
			}
		}
		return CheckResult{Name: "Auth Token", Status: "FAIL", Message: fmt.Sprintf("Stat failed: %v", err)}
	}
	if info.Size() == 0 {
		return CheckResult{Name: "Auth Token", Status: "FAIL", Message: "Token file is empty", Detail: tokenPath}
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return CheckResult{
			Name:    "Auth Token",
			Status:  "WARN",
			Message: fmt.Sprintf("Token file is group/world readable (%o)", mode),
			Detail:  "chmod 600 " + tokenPath,
		}
	}
	return CheckResult{Name: "Auth Token", Status: "PASS", Message: "Token file present with restricted permissions"}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Channel disabled, deliveries fall back to chat"}
	}
	if cfg.Telegram.Token == "" {
		return CheckResult{
			Name:    "Telegram",
			Status:  "FAIL",
			Message: "Enabled without a bot token",
			Detail:  "Set telegram.token in config.yaml or PULSE_TELEGRAM_TOKEN",
		}
	}
	return CheckResult{
		Name:    "Telegram",
		Status:  "PASS",
		Message: fmt.Sprintf("Bot token configured, %d allowed chat ids", len(cfg.Telegram.AllowedIDs)),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Data dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Data directory writable"}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "Config missing"}
	}

	if _, _, err := net.SplitHostPort(cfg.BindAddr); err != nil {
		return CheckResult{
			Name:    "Bind Address",
			Status:  "FAIL",
			Message: fmt.Sprintf("Invalid bind_addr %q: %v", cfg.BindAddr, err),
		}
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		// A running daemon holds the port, which is the usual reason.
		return CheckResult{
			Name:    "Bind Address",
			Status:  "WARN",
			Message: fmt.Sprintf("%s is in use (daemon already running?)", cfg.BindAddr),
			Detail:  err.Error(),
		}
	}
	ln.Close()
	return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("%s is available", cfg.BindAddr)}
}
