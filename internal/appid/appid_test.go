package appid

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appidentityassets "github.com/sqlshift/sqlshift/internal/assets/appidentity"
)

// resetIdentity clears gofulmen's process-wide identity cache and embedded
// registration, then registers the embedded identity again.
func resetIdentity(t *testing.T) {
	t.Helper()
	appidentity.Reset()
	require.NoError(t, appidentity.RegisterEmbeddedIdentityYAML(appidentityassets.YAML))
	t.Cleanup(func() { appidentity.Reset() })
}

func chdirOutsideRepo(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(wd) })
	require.NoError(t, os.Chdir(t.TempDir()))
}

func TestEmbeddedIdentityOutsideRepo(t *testing.T) {
	resetIdentity(t)
	t.Setenv(appidentity.EnvIdentityPath, "")
	chdirOutsideRepo(t)

	identity, err := Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sqlshift", identity.BinaryName)
	assert.Equal(t, "SQLSHIFT_", EnvPrefix(context.Background()))
	assert.Equal(t, "SQLSHIFT_ADMIN_TOKEN", EnvVar(context.Background(), "ADMIN_TOKEN"))
}

func TestExplicitIdentityPathIsAuthoritative(t *testing.T) {
	resetIdentity(t)
	t.Setenv(appidentity.EnvIdentityPath, filepath.Join(t.TempDir(), "missing-app.yaml"))

	_, err := Get(context.Background())
	var notFound *appidentity.NotFoundError
	require.ErrorAs(t, err, &notFound)

	assert.Equal(t, DefaultEnvPrefix, EnvPrefix(context.Background()))
}
