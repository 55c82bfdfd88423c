// Package doctor runs environment diagnostics for `gocrew doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-crew/internal/config"
	"github.com/basket/go-crew/internal/cron"
	"github.com/basket/go-crew/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	Go          string `json:"go_version"`
	Version     string `json:"version"`
	Fingerprint string `json:"config_fingerprint,omitempty"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
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
	if cfg != nil {
		d.System.Fingerprint = cfg.Fingerprint()
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkVectorIndex,
		checkBackups,
		checkTelemetry,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if !cfg.Loaded {
		return CheckResult{Name: "Config", Status: StatusPass, Message: "Using defaults (no config.yaml)", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	dirs := []string{cfg.HomeDir, filepath.Dir(cfg.DBPath)}
	for _, dir := range dirs {
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(testFile)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and database directories writable"}
}

// openStore opens the configured database. Doctor never creates one: a missing
// file is reported, not initialized.
func openStore(cfg *config.Config) (*persistence.Store, error) {
	if _, err := os.Stat(cfg.DBPath); err != nil {
		return nil, err
	}
	return persistence.Open(cfg.DBPath, persistence.Options{VectorDimensions: cfg.VectorDimensions})
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Database", Status: StatusWarn, Message: "Database not created yet", Detail: cfg.DBPath}
	}
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Schema query failed: %v", err)}
	}
	outputs, err := store.CountTaskOutputs(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	counts := []string{fmt.Sprintf("%s=%d", persistence.CategoryKickoffOutputs, outputs)}
	for _, c := range persistence.MemoryCategories {
		n, err := store.CountMemories(ctx, c)
		if err != nil {
			return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
		}
		counts = append(counts, fmt.Sprintf("%s=%d", c, n))
	}

	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema v%d of v%d", version, persistence.LatestSchemaVersion),
		Detail:  strings.Join(counts, ", "),
	}
}

func checkVectorIndex(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Vector Index", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.VectorDimensions == 0 {
		return CheckResult{Name: "Vector Index", Status: StatusSkip, Message: "Disabled (vector_dimensions=0); similarity uses in-process cosine"}
	}
	store, err := openStore(cfg)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Vector Index", Status: StatusSkip, Message: "Database not created yet"}
	}
	if err != nil {
		return CheckResult{Name: "Vector Index", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	v, err := store.VectorVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Vector Index", Status: StatusFail, Message: fmt.Sprintf("sqlite-vec unavailable: %v", err)}
	}
	return CheckResult{Name: "Vector Index", Status: StatusPass, Message: fmt.Sprintf("sqlite-vec %s, %d dimensions", v, cfg.VectorDimensions)}
}

func checkBackups(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backups", Status: StatusSkip, Message: "Config missing"}
	}
	if strings.TrimSpace(cfg.Backup.Schedule) == "" {
		return CheckResult{Name: "Backups", Status: StatusSkip, Message: "No backup schedule configured"}
	}
	next, err := cron.NextRunTime(cfg.Backup.Schedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Backups", Status: StatusFail, Message: fmt.Sprintf("Invalid schedule %q: %v", cfg.Backup.Schedule, err)}
	}
	return CheckResult{
		Name:    "Backups",
		Status:  StatusPass,
		Message: fmt.Sprintf("Next backup at %s", next.Format(time.RFC3339)),
		Detail:  fmt.Sprintf("dir=%s keep=%d", cfg.Backup.Dir, cfg.Backup.Keep),
	}
}

func checkTelemetry(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.OTel.Enabled {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "OpenTelemetry disabled"}
	}
	switch cfg.OTel.Exporter {
	case "stdout":
		return CheckResult{Name: "Telemetry", Status: StatusPass, Message: "Exporting spans to stdout"}
	case "none":
		return CheckResult{Name: "Telemetry", Status: StatusWarn, Message: "Enabled with exporter=none; spans are discarded"}
	case "otlp-http", "":
		if cfg.OTel.Endpoint == "" {
			return CheckResult{Name: "Telemetry", Status: StatusWarn, Message: "OTLP exporter without endpoint; SDK default will be used"}
		}
		return CheckResult{Name: "Telemetry", Status: StatusPass, Message: fmt.Sprintf("Exporting spans to %s", cfg.OTel.Endpoint)}
	}
	return CheckResult{Name: "Telemetry", Status: StatusFail, Message: fmt.Sprintf("Unknown exporter %q", cfg.OTel.Exporter)}
}
