package shared

import (
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_GeminiKey(t *testing.T) {
	input := "key is AIzaSyA1234567890abcdefghijklmnopqrstuvwx"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "this is a normal log message"
	result := Redact(input)
	if result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
}

func TestRedact_Empty(t *testing.T) {
	result := Redact("")
	if result != "" {
		t.Fatalf("expected empty, got %q", result)
	}
}

func TestRedactEnvValue_Sensitive(t *testing.T) {
	cases := []struct {
		key, value string
		expect     string
	}{
		{"OPENAI_API_KEY", "some-secret", "[REDACTED]"},
		{"auth_token", "abc123", "[REDACTED]"},
		{"password", "s3cret", "[REDACTED]"},
		{"GOCREW_DB_PATH", "/tmp/crew.db", "/tmp/crew.db"},
		{"LOG_LEVEL", "info", "info"},
	}
	for _, tc := range cases {
		got := RedactEnvValue(tc.key, tc.value)
		if got != tc.expect {
			t.Errorf("RedactEnvValue(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.expect)
		}
	}
}

func TestRedact_ProviderKey(t *testing.T) {
	input := "using sk-ant-REDACTED for the crew"
	result := Redact(input)
	if result != "using [REDACTED] for the crew" {
		t.Fatalf("unexpected redaction result %q", result)
	}
}

func TestRedactInputs(t *testing.T) {
	in := map[string]any{
		"topic":          "AI agents",
		"openai_api_key": "plain",
		"note":           "Bearer abc123def456ghi789jkl0",
		"year":           2024,
	}
	out := RedactInputs(in)
	if out["topic"] != "AI agents" {
		t.Fatalf("topic changed: %v", out["topic"])
	}
	if out["openai_api_key"] != "[REDACTED]" {
		t.Fatalf("expected key masked, got %v", out["openai_api_key"])
	}
	if out["note"] != "Bearer [REDACTED]" {
		t.Fatalf("expected bearer redacted, got %v", out["note"])
	}
	if out["year"] != 2024 {
		t.Fatalf("non-string value changed: %v", out["year"])
	}
	if in["openai_api_key"] != "plain" {
		t.Fatal("input map mutated")
	}
	if RedactInputs(nil) != nil {
		t.Fatal("expected nil passthrough")
	}
}
