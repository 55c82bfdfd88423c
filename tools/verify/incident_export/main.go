// incident_export builds the bundle attached to a replay incident: the task
// outputs of the affected kickoff with secrets redacted from their inputs,
// the tail of system.jsonl for that kickoff, and the config fingerprint.
//
// Usage:
//
//	go run ./tools/verify/incident_export/
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-crew/internal/config"
	"github.com/basket/go-crew/internal/persistence"
	"github.com/basket/go-crew/internal/shared"
	"github.com/basket/go-crew/internal/telemetry"
)

const (
	maxOutputs = 64
	maxLogs    = 32
	kickoffID  = "2b7f85b0-3f00-4f2d-ac65-a8a0f3af4a9b"
)

type bundle struct {
	KickoffID   string                   `json:"kickoff_id"`
	ExportedAt  time.Time                `json:"exported_at"`
	Config      string                   `json:"config_fingerprint"`
	OutputCount int                      `json:"output_count"`
	LogCount    int                      `json:"log_count"`
	Outputs     []persistence.TaskOutput `json:"outputs"`
	Logs        []string                 `json:"logs"`
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Printf("error=%v\n", err)
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func run(ctx context.Context) error {
	home, err := os.MkdirTemp("", "gocrew-incident-export-*")
	if err != nil {
		return fmt.Errorf("mktemp: %w", err)
	}
	defer os.RemoveAll(home)

	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: info\nreplay:\n  executor: echo\n"), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	logPath := filepath.Join(logDir, telemetry.LogFileName)
	logLines := []string{
		`{"timestamp":"2026-02-11T00:00:00Z","level":"INFO","msg":"replay started","trace_id":"-","kickoff_id":"other"}`,
		`{"timestamp":"2026-02-11T00:00:01Z","level":"INFO","msg":"replay started","trace_id":"abc","kickoff_id":"` + kickoffID + `"}`,
		`{"timestamp":"2026-02-11T00:00:02Z","level":"ERROR","msg":"replay task failed","trace_id":"abc","kickoff_id":"` + kickoffID + `","task_id":"t2"}`,
	}
	if err := os.WriteFile(logPath, []byte(strings.Join(logLines, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("write log: %w", err)
	}

	store, err := persistence.Open(cfg.DBPath, persistence.Options{})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	for i := 0; i < 10; i++ {
		_, err := store.AppendTaskOutput(ctx, persistence.TaskOutput{
			TaskID:    fmt.Sprintf("t%d", i),
			KickoffID: kickoffID,
			TaskIndex: i,
			RawOutput: fmt.Sprintf(`{"reply":"ok-%d"}`, i),
			Inputs:    map[string]any{"topic": "incident", "api_key": "sk-live-0123456789abcdef"},
		})
		if err != nil {
			return fmt.Errorf("append task output: %w", err)
		}
	}
	if _, err := store.AppendTaskOutput(ctx, persistence.TaskOutput{TaskID: "t0", KickoffID: "other", RawOutput: "unrelated"}); err != nil {
		return fmt.Errorf("append unrelated output: %w", err)
	}

	all, err := store.LoadTaskOutputs(ctx)
	if err != nil {
		return fmt.Errorf("load task outputs: %w", err)
	}
	outputs := make([]persistence.TaskOutput, 0, maxOutputs)
	for _, rec := range all {
		if rec.KickoffID != kickoffID {
			continue
		}
		rec.Inputs = shared.RedactInputs(rec.Inputs)
		outputs = append(outputs, rec)
		if len(outputs) == maxOutputs {
			break
		}
	}
	logs, err := tailLines(logPath, maxLogs, kickoffID)
	if err != nil {
		return fmt.Errorf("tail logs: %w", err)
	}

	b := bundle{
		KickoffID:   kickoffID,
		ExportedAt:  time.Now().UTC(),
		Config:      cfg.Fingerprint(),
		OutputCount: len(outputs),
		LogCount:    len(logs),
		Outputs:     outputs,
		Logs:        logs,
	}
	bundlePath := filepath.Join(home, "incident_bundle.json")
	encoded, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	if err := os.WriteFile(bundlePath, encoded, 0o644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}

	fmt.Printf("bundle_path=%s\n", bundlePath)
	fmt.Printf("config_fingerprint=%s\n", b.Config)
	fmt.Printf("outputs=%d max_outputs=%d\n", len(outputs), maxOutputs)
	fmt.Printf("logs=%d max_logs=%d\n", len(logs), maxLogs)

	if len(outputs) != 10 {
		return fmt.Errorf("bundled %d outputs, want 10", len(outputs))
	}
	if len(logs) != 2 {
		return fmt.Errorf("bundled %d log lines, want 2", len(logs))
	}
	if strings.Contains(string(encoded), "sk-live-0123456789abcdef") {
		return fmt.Errorf("bundle leaks an input secret")
	}
	return nil
}

// tailLines returns the last limit non-empty lines mentioning kickoffID.
func tailLines(path string, limit int, kickoffID string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if limit <= 0 {
		limit = 1
	}
	needle := `"kickoff_id":"` + kickoffID + `"`
	lines := make([]string, 0, limit)
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || !strings.Contains(line, needle) {
			continue
		}
		lines = append(lines, shared.Redact(line))
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
