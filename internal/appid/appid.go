// Package appid resolves the sqlshift app identity, falling back to the
// embedded .fulmen/app.yaml when no checkout or explicit path is present.
package appid

import (
	"context"

	"github.com/fulmenhq/gofulmen/appidentity"

	appidentityassets "github.com/sqlshift/sqlshift/internal/assets/appidentity"
)

// DefaultEnvPrefix applies when the identity cannot be resolved.
const DefaultEnvPrefix = "SQLSHIFT_"

func init() {
	// FULMEN_APP_IDENTITY_PATH and explicit paths still win over the embedded copy.
	_ = appidentity.RegisterEmbeddedIdentityYAML(appidentityassets.YAML)
}

// Get returns the process identity.
func Get(ctx context.Context) (*appidentity.Identity, error) {
	return appidentity.Get(ctx)
}

// EnvPrefix returns the identity's env prefix or DefaultEnvPrefix.
func EnvPrefix(ctx context.Context) string {
	if identity, err := Get(ctx); err == nil && identity != nil && identity.EnvPrefix != "" {
		return identity.EnvPrefix
	}
	return DefaultEnvPrefix
}

// EnvVar prefixes name, e.g. ADMIN_TOKEN becomes SQLSHIFT_ADMIN_TOKEN.
func EnvVar(ctx context.Context, name string) string {
	return EnvPrefix(ctx) + name
}
