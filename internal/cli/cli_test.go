package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tutu-network/backbone/internal/daemon"
)

// writeConfig points the CLI at a fresh database and returns the config path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "backbone.toml")
	content := fmt.Sprintf("[api]\nenabled = false\n\n[storage]\npath = %q\n", filepath.Join(dir, "backbone.db"))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func seed(t *testing.T, cfgPath string, fn func(d *daemon.Daemon)) {
	t.Helper()
	cfg, err := daemon.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	d, err := daemon.New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	fn(d)
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestBalance_NoAccount(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, "--config", cfg, "balance", "5")
	if err != nil {
		t.Fatalf("balance error: %v", err)
	}
	if !strings.Contains(out, "user 5: 0 points (no account)") {
		t.Errorf("output = %q", out)
	}
}

func TestBalanceAndHistory(t *testing.T) {
	cfg := writeConfig(t)
	seed(t, cfg, func(d *daemon.Daemon) {
		ctx := context.Background()
		d.Ledger.Add(ctx, 5, 30, "mission", "tutorial")
		d.Ledger.Deduct(ctx, 5, 12, "shop", "")
	})

	out, err := run(t, "--config", cfg, "balance", "5")
	if err != nil {
		t.Fatalf("balance error: %v", err)
	}
	if !strings.Contains(out, "user 5: 18 points") {
		t.Errorf("balance output = %q", out)
	}

	out, err = run(t, "--config", cfg, "history", "5", "--limit", "0")
	if err != nil {
		t.Fatalf("history error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("history lines = %d, want 2:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "shop") || !strings.Contains(lines[0], "-12") {
		t.Errorf("newest entry = %q, want the deduction", lines[0])
	}
	if !strings.Contains(lines[1], "tutorial") {
		t.Errorf("oldest entry = %q, want the description", lines[1])
	}
}

func TestAudit_PrintsJSON(t *testing.T) {
	cfg := writeConfig(t)
	seed(t, cfg, func(d *daemon.Daemon) {
		ctx := context.Background()
		d.Ledger.Add(ctx, 1, 10, "mission", "")
		d.Ledger.Add(ctx, 2, 10, "mission", "")
	})

	out, err := run(t, "--config", cfg, "audit", "--user", "2", "--dry-run")
	if err != nil {
		t.Fatalf("audit error: %v", err)
	}
	var res struct {
		TotalChecked int  `json:"total_checked"`
		Found        int  `json:"found"`
		Complete     bool `json:"complete"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.TotalChecked != 1 || res.Found != 0 || !res.Complete {
		t.Errorf("result = %+v, want 1 checked, 0 found, complete", res)
	}
}

func TestInvalidUserID(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := run(t, "--config", cfg, "balance", "abc"); err == nil {
		t.Error("balance abc should fail")
	}
	if _, err := run(t, "--config", cfg, "history", "0"); err == nil {
		t.Error("history 0 should fail")
	}
}
