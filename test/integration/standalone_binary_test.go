package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestStandaloneBinaryWorksOutsideRepo(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("standalone binary copy/exec test is unix-focused")
	}
	if testing.Short() {
		t.Skip("builds the binary")
	}
	goModPathBytes, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	goModPath := strings.TrimSpace(string(goModPathBytes))
	if goModPath == "" {
		t.Fatalf("go env GOMOD returned empty")
	}
	repoRoot := filepath.Dir(goModPath)

	binaryPath := filepath.Join(t.TempDir(), "cloudbridge")
	build := exec.Command("go", "build", "-o", binaryPath, "./cmd/cloudbridge")
	build.Dir = repoRoot
	build.Env = os.Environ()
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("go build: %v\n%s", err, string(out))
	}

	outside := t.TempDir()
	env := append(os.Environ(),
		"XDG_CONFIG_HOME="+filepath.Join(outside, "config"),
		"XDG_DATA_HOME="+filepath.Join(outside, "data"),
		"CLOUDBRIDGE_RATE_LIMIT_MAX_REQUESTS=3",
		"CLOUDBRIDGE_ADMIN_TOKEN=do-not-print",
	)
	run := func(args ...string) string {
		t.Helper()
		c := exec.Command(binaryPath, args...)
		c.Dir = outside
		c.Env = env
		out, err := c.CombinedOutput()
		if err != nil {
			t.Fatalf("%s failed: %v\n%s", strings.Join(args, " "), err, string(out))
		}
		return string(out)
	}

	if out := run("version"); !strings.HasPrefix(out, "cloudbridge ") {
		t.Fatalf("unexpected version output: %q", out)
	}
	run("--help")

	shown := run("config", "show")
	if !strings.Contains(shown, "max_requests: 3") {
		t.Fatalf("environment override not applied:\n%s", shown)
	}
	if strings.Contains(shown, "do-not-print") {
		t.Fatalf("config show leaked the admin token:\n%s", shown)
	}
}
