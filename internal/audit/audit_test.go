package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-crew/internal/persistence"
	"github.com/basket/go-crew/internal/shared"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := shared.WithTraceID(context.Background(), "trace-abc")
	Record(ctx, ActionReset, DecisionOK, "short_term", "cleared 3 entries")
	Record(ctx, ActionReplay, DecisionError, "task-2", "executor failed")

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["action"] != ActionReset {
		t.Fatalf("expected action %s, got %#v", ActionReset, first["action"])
	}
	if first["decision"] != DecisionOK {
		t.Fatalf("expected ok decision, got %#v", first["decision"])
	}
	if first["trace_id"] != "trace-abc" {
		t.Fatalf("expected trace id, got %#v", first["trace_id"])
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := context.Background()
	Record(ctx, ActionReset, DecisionOK, "long_term", "")
	Record(ctx, ActionReset, DecisionOK, "entity", "")

	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}

	Record(ctx, ActionBackup, DecisionOK, "/tmp/backup.db", "")

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow (append-only), size before=%d after=%d", info1.Size(), info2.Size())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 3 {
		t.Fatalf("expected at least 3 lines, got %d", len(lines))
	}
	for i, line := range lines {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if _, ok := e["timestamp"]; !ok {
			t.Fatalf("line %d missing timestamp", i)
		}
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), ActionReplay, DecisionError, "task-1", "api_key=abcdef1234567890abcdef rejected")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if strings.Contains(string(raw), "abcdef1234567890abcdef") {
		t.Fatalf("secret leaked into audit log: %s", raw)
	}
}

func TestRecordWritesAuditTable(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "crew.db"), persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	SetDB(store.DB())
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), ActionReset, DecisionOK, "kickoff_outputs", "cleared 2 entries")

	var action, decision, subject string
	err = store.DB().QueryRow(`SELECT action, decision, subject FROM audit_log ORDER BY audit_id DESC LIMIT 1;`).Scan(&action, &decision, &subject)
	if err != nil {
		t.Fatalf("query audit_log: %v", err)
	}
	if action != ActionReset || decision != DecisionOK || subject != "kickoff_outputs" {
		t.Fatalf("unexpected audit row: %s %s %s", action, decision, subject)
	}
}
