package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildBinary compiles cmd/sqlshift and copies it outside the module so the
// embedded identity is the only one available.
func buildBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("standalone binary test is unix-focused")
	}

	gomod, err := exec.Command("go", "env", "GOMOD").Output()
	require.NoError(t, err)
	repoRoot := filepath.Dir(strings.TrimSpace(string(gomod)))
	require.NotEqual(t, ".", repoRoot)

	built := filepath.Join(t.TempDir(), "sqlshift")
	build := exec.Command("go", "build", "-o", built, "./cmd/sqlshift")
	build.Dir = repoRoot
	build.Env = os.Environ()
	out, err := build.CombinedOutput()
	require.NoError(t, err, string(out))

	data, err := os.ReadFile(built)
	require.NoError(t, err)
	standalone := filepath.Join(t.TempDir(), "sqlshift")
	require.NoError(t, os.WriteFile(standalone, data, 0o755))
	return standalone
}

func TestStandaloneBinaryOutsideRepo(t *testing.T) {
	binary := buildBinary(t)
	outside := t.TempDir()

	run := func(args ...string) (string, error) {
		cmd := exec.Command(binary, args...)
		cmd.Dir = outside
		cmd.Env = append(os.Environ(), "XDG_CONFIG_HOME="+outside, "SQLSHIFT_DB_PATH="+filepath.Join(outside, "sqlshift.db"))
		out, err := cmd.CombinedOutput()
		return string(out), err
	}

	out, err := run("version")
	require.NoError(t, err, out)
	assert.Contains(t, out, "sqlshift")

	out, err = run("--help")
	require.NoError(t, err, out)
	for _, sub := range []string{"convert", "retry", "results", "rate-limit", "serve"} {
		assert.Contains(t, out, sub)
	}

	out, err = run("convert", "--manifest", filepath.Join(outside, "missing.yaml"))
	require.Error(t, err)
	assert.NotEmpty(t, out)
}
