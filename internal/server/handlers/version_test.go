package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionHandlerReportsBuildAndScheduler(t *testing.T) {
	SetVersionInfo("1.2.3", "abcd123", "2026-10-01T12:00:00Z")
	SetAppIdentity(&appidentity.Identity{BinaryName: "sqlshift"})
	SetSchedulerInfo(SchedulerInfo{
		Endpoint:    "https://api.openai.com/v1",
		MaxRequests: 10,
		Window:      "1m0s",
		Throttle:    "2s",
		BatchSize:   5,
	})

	rec := httptest.NewRecorder()
	VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp VersionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "sqlshift", resp.App.Name)
	assert.Equal(t, "1.2.3", resp.App.Version)
	assert.Equal(t, "abcd123", resp.App.Commit)
	assert.NotEmpty(t, resp.App.GoVersion)
	require.NotNil(t, resp.Scheduler)
	assert.Equal(t, 10, resp.Scheduler.MaxRequests)
	assert.Equal(t, 5, resp.Scheduler.BatchSize)
	assert.NotEmpty(t, resp.Dependencies.Gofulmen)
	assert.NotEmpty(t, resp.Dependencies.Crucible)
}

func TestBinaryNameFallsBackToExecutable(t *testing.T) {
	assert.Equal(t, "sqlshift", binaryName(&appidentity.Identity{BinaryName: "sqlshift"}))
	assert.NotEmpty(t, binaryName(nil))
}
