package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"squadbooks"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_UsageAndUnknown(t *testing.T) {
	code, out, _ := run(t, "help")
	if code != 0 || !strings.Contains(out, "policy") {
		t.Fatalf("help: code=%d out=%q", code, out)
	}
	if code, _, _ := run(t); code != 2 {
		t.Errorf("no args: expected 2, got %d", code)
	}
	if code, _, errOut := run(t, "frobnicate"); code != 2 || !strings.Contains(errOut, "Unknown command") {
		t.Errorf("unknown: code=%d stderr=%q", code, errOut)
	}
	if code, _, _ := run(t, "policy", "lint"); code != 2 {
		t.Errorf("policy lint: expected 2, got %d", code)
	}
	if code, _, _ := run(t, "state"); code != 2 {
		t.Errorf("state without id: expected 2, got %d", code)
	}
}

func TestRun_PolicyCheck(t *testing.T) {
	code, out, errOut := run(t, "policy", "check", "../../configs/policy.example.yaml")
	if code != 0 {
		t.Fatalf("expected 0, got %d: %s", code, errOut)
	}
	if !strings.Contains(out, "2 association policies") {
		t.Errorf("unexpected output %q", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("schema_version: \"1.0\"\nassociations:\n  - id: a\n    sign_off_rule: \"total >\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if code, _, _ := run(t, "policy", "check", bad); code != 1 {
		t.Errorf("bad rule: expected 1, got %d", code)
	}
}

func TestRun_MemoryStoreCommands(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("LOG_LEVEL", "ERROR")

	if code, out, errOut := run(t, "migrate"); code != 0 || !strings.Contains(out, "nothing to migrate") {
		t.Errorf("migrate: code=%d out=%q err=%q", code, out, errOut)
	}
	if code, out, _ := run(t, "sweep"); code != 0 || !strings.Contains(out, "expired 0") {
		t.Errorf("sweep: code=%d out=%q", code, out)
	}
	if code, out, _ := run(t, "dispatch"); code != 0 || !strings.Contains(out, "delivered=0") {
		t.Errorf("dispatch: code=%d out=%q", code, out)
	}
	if code, _, errOut := run(t, "state", "no-such-budget"); code != 1 || !strings.Contains(errOut, "not found") {
		t.Errorf("state: code=%d err=%q", code, errOut)
	}
}

func TestRun_SQLiteMigrate(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "file:"+filepath.Join(t.TempDir(), "squadbooks.db"))
	t.Setenv("LOG_LEVEL", "ERROR")

	for i := 0; i < 2; i++ {
		if code, out, errOut := run(t, "migrate"); code != 0 || !strings.Contains(out, "migrations applied") {
			t.Fatalf("migrate #%d: code=%d out=%q err=%q", i+1, code, out, errOut)
		}
	}
	if code, _, errOut := run(t, "sweep"); code != 0 {
		t.Errorf("sweep: code=%d err=%q", code, errOut)
	}
}

func TestRun_BadConfig(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "mongo")
	if code, _, _ := run(t, "sweep"); code != 2 {
		t.Errorf("expected 2, got %d", code)
	}
}
