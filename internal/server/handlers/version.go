package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/crucible"
)

var (
	buildMu     sync.RWMutex
	build       = AppInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
	appIdentity *appidentity.Identity
	scheduler   *SchedulerInfo
)

// SetVersionInfo records the build metadata injected by main.
func SetVersionInfo(version, commit, buildDate string) {
	buildMu.Lock()
	defer buildMu.Unlock()
	build.Version = version
	build.Commit = commit
	build.BuildDate = buildDate
}

// SetAppIdentity sets the identity reported as the app name.
func SetAppIdentity(identity *appidentity.Identity) {
	buildMu.Lock()
	defer buildMu.Unlock()
	appIdentity = identity
}

// SetSchedulerInfo publishes the rate-limit tuning runs are started with.
func SetSchedulerInfo(info SchedulerInfo) {
	buildMu.Lock()
	defer buildMu.Unlock()
	scheduler = &info
}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	App          AppInfo        `json:"app"`
	Scheduler    *SchedulerInfo `json:"scheduler,omitempty"`
	Dependencies DepInfo        `json:"dependencies"`
	Runtime      RuntimeInfo    `json:"runtime"`
}

// AppInfo contains application version details.
type AppInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version,omitempty"`
}

// SchedulerInfo describes the provider budget each run observes.
type SchedulerInfo struct {
	Endpoint    string `json:"endpoint"`
	MaxRequests int    `json:"max_requests"`
	Window      string `json:"window"`
	Throttle    string `json:"throttle"`
	BatchSize   int    `json:"batch_size"`
}

// DepInfo contains dependency version information.
type DepInfo struct {
	Gofulmen string `json:"gofulmen"`
	Crucible string `json:"crucible"`
}

// RuntimeInfo contains runtime environment information.
type RuntimeInfo struct {
	Platform      string `json:"platform"`
	NumCPU        int    `json:"num_cpu"`
	NumGoroutines int    `json:"num_goroutines"`
}

// VersionHandler reports build, scheduler and runtime details.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	buildMu.RLock()
	app := build
	identity := appIdentity
	sched := scheduler
	buildMu.RUnlock()

	app.Name = binaryName(identity)
	app.GoVersion = runtime.Version()

	deps := crucible.GetVersion()
	writeJSON(w, http.StatusOK, VersionResponse{
		App:       app,
		Scheduler: sched,
		Dependencies: DepInfo{
			Gofulmen: deps.Gofulmen,
			Crucible: deps.Crucible,
		},
		Runtime: RuntimeInfo{
			Platform:      runtime.GOOS + "/" + runtime.GOARCH,
			NumCPU:        runtime.NumCPU(),
			NumGoroutines: runtime.NumGoroutine(),
		},
	})
}

func binaryName(identity *appidentity.Identity) string {
	if identity != nil && identity.BinaryName != "" {
		return identity.BinaryName
	}
	if len(os.Args) > 0 && os.Args[0] != "" {
		return filepath.Base(os.Args[0])
	}
	return "unknown"
}
