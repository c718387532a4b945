//go:build integration

package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

// This test builds the binary and drives a demo service through the CLI.
// It is gated behind -tags=integration and CXLOGGER_INTEGRATION=1.
func TestBinary_DemoServeAndControl(t *testing.T) {
	if os.Getenv("CXLOGGER_INTEGRATION") != "1" {
		t.Skip("set CXLOGGER_INTEGRATION=1 to run")
	}

	tmp := t.TempDir()
	bin := filepath.Join(tmp, "cxlogger")
	run(t, ".", "go", "build", "-o", bin, ".")

	cfgPath := filepath.Join(tmp, "cxlogger.yaml")
	dataDir := filepath.Join(tmp, "data")
	run(t, ".", bin, "config", "init", "--config", cfgPath, "--demo", "--data-dir", dataDir)

	addr := freeAddr(t)
	serve := exec.Command(bin, "serve", "--config", cfgPath, "--listen", addr, "--log-level", "debug")
	serve.Env = append(os.Environ(), "DEMO=true")
	if err := serve.Start(); err != nil {
		t.Fatalf("start serve: %v", err)
	}
	t.Cleanup(func() { _ = serve.Process.Kill() })

	deadline := time.Now().Add(8 * time.Second)
	for {
		out, err := exec.Command(bin, "health", "--server", addr).CombinedOutput()
		if err == nil && strings.Contains(string(out), "CX1_1901 inactive") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("service not healthy: %s", out)
		}
		time.Sleep(100 * time.Millisecond)
	}

	run(t, ".", bin, "settings", "set", "CX1_1901", "--sample-rate", "100", "--server", addr)
	run(t, ".", bin, "start", "CX1_1901", "--server", addr)
	if out := runOut(t, ".", bin, "health", "--server", addr); !strings.Contains(string(out), "CX1_1901 active") {
		t.Fatalf("health after start:\n%s", out)
	}
	time.Sleep(1500 * time.Millisecond)
	run(t, ".", bin, "stop", "--all", "--server", addr)

	if err := serve.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := serve.Wait(); err != nil {
		t.Fatalf("serve exit: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dataDir, "CX1_Data", "CX1_1901_*.csv"))
	if len(files) == 0 {
		t.Fatalf("no output files")
	}
	if out := runOut(t, ".", bin, "stats", "--file", files[0]); !strings.Contains(string(out), "samples=") {
		t.Fatalf("stats:\n%s", out)
	}
}

func run(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	runOut(t, dir, name, args...)
}

func runOut(t *testing.T, dir, name string, args ...string) []byte {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, string(out))
	}
	return out
}
