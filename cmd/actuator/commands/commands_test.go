package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// run executes the CLI with args and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	configPath, verbose, jsonOutput = "", false, false

	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func initWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ACTUATOR_ACME_TOKEN", "test-token")

	out, err := run(t, "init", "--dir", dir, "--tenant", "acme")
	if err != nil {
		t.Fatalf("init failed: %v\n%s", err, out)
	}
	return dir
}

func TestInit(t *testing.T) {
	dir := initWorkspace(t)

	for _, f := range []string{
		"actuator.yaml",
		"credentials.yaml",
		filepath.Join("rules", "acme.yaml"),
		filepath.Join("plans", "example.cue"),
		filepath.Join("data", "actuator.db"),
	} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("Expected %s: %v", f, err)
		}
	}

	// A second init keeps existing files.
	out, err := run(t, "init", "--dir", dir, "--tenant", "acme")
	if err != nil {
		t.Fatalf("second init failed: %v", err)
	}
	if !strings.Contains(out, "already exists") {
		t.Errorf("Expected existing files to be kept, got:\n%s", out)
	}
}

func TestValidate(t *testing.T) {
	dir := initWorkspace(t)

	out, err := run(t, "validate", filepath.Join(dir, "plans", "example.cue"))
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 operations") {
		t.Errorf("Unexpected output:\n%s", out)
	}

	bad := filepath.Join(dir, "plans", "bad.json")
	if err := os.WriteFile(bad, []byte(`{"plan_id": "x", "operations": []}`), 0644); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, "validate", bad)
	if err == nil {
		t.Fatal("Expected invalid plan to fail")
	}
	if !strings.Contains(out, "✗") {
		t.Errorf("Expected failure marker, got:\n%s", out)
	}
}

func TestApplyAndHistory(t *testing.T) {
	dir := initWorkspace(t)
	config := filepath.Join(dir, "actuator.yaml")
	plan := filepath.Join(dir, "plans", "example.cue")

	out, err := run(t, "--config", config, "apply", "--dry-run", plan)
	if err != nil {
		t.Fatalf("dry run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "executed:      2") {
		t.Errorf("Expected both operations evaluated, got:\n%s", out)
	}

	out, err = run(t, "--config", config, "apply", plan)
	if err != nil {
		t.Fatalf("apply failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "COMPLETED") {
		t.Errorf("Expected COMPLETED plan, got:\n%s", out)
	}

	out, err = run(t, "--config", config, "history", "--tenant", "acme")
	if err != nil {
		t.Fatalf("history failed: %v\n%s", err, out)
	}
	if strings.Count(out, "action_plan") != 1 {
		t.Errorf("Expected one journaled plan run, got:\n%s", out)
	}

	out, err = run(t, "--config", config, "approvals", "list", "--tenant", "acme")
	if err != nil {
		t.Fatalf("approvals list failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No operations awaiting approval") {
		t.Errorf("Unexpected approvals output:\n%s", out)
	}

	out, err = run(t, "--config", config, "sweep")
	if err != nil {
		t.Fatalf("sweep failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Purged 0 expired records") {
		t.Errorf("Unexpected sweep output:\n%s", out)
	}
}

func TestNewRuntime_StorageFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("not a directory"), 0644); err != nil {
		t.Fatal(err)
	}
	config := filepath.Join(dir, "actuator.yaml")
	content := "database:\n  path: blocker/actuator.db\ntelemetry:\n  metrics:\n    enabled: false\n"
	if err := os.WriteFile(config, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	configPath = config
	t.Cleanup(func() { configPath = "" })

	rt, err := newRuntime(context.Background())
	if err == nil {
		rt.Close()
		t.Fatal("Expected an unopenable database to fail")
	}
	if rt != nil {
		t.Error("Expected no runtime on failure")
	}

	// A second runtime can be built once storage is reachable.
	content = "database:\n  path: \":memory:\"\ntelemetry:\n  metrics:\n    enabled: false\npolicy:\n  rules_dir: \"\"\ncredentials:\n  file: creds.yaml\n"
	if err := os.WriteFile(config, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "creds.yaml"), []byte("tenants: {}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	rt, err = newRuntime(context.Background())
	if err != nil {
		t.Fatalf("newRuntime failed: %v", err)
	}
	rt.Close()
}

func TestEnvName(t *testing.T) {
	tests := map[string]string{
		"acme":        "ACME",
		"globex-corp": "GLOBEX_CORP",
		"Tenant.42":   "TENANT_42",
	}
	for in, want := range tests {
		if got := envName(in); got != want {
			t.Errorf("envName(%q) = %q, want %q", in, got, want)
		}
	}
}
