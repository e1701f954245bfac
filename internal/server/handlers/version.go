package handlers

import (
	"net/http"
	"runtime"
	"sync"

	"github.com/fulmenhq/gofulmen/crucible"
)

// BuildInfo is the build metadata injected from main.
type BuildInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version,omitempty"`
}

var (
	buildMu sync.RWMutex
	build   = BuildInfo{Name: "cloudbridge", Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo records the build metadata reported by /version.
func SetVersionInfo(version, commit, buildDate string) {
	buildMu.Lock()
	defer buildMu.Unlock()
	build.Version = version
	build.Commit = commit
	build.BuildDate = buildDate
}

// CurrentBuild returns the recorded build metadata.
func CurrentBuild() BuildInfo {
	buildMu.RLock()
	defer buildMu.RUnlock()
	info := build
	info.GoVersion = runtime.Version()
	return info
}

// VersionResponse is the /version body.
type VersionResponse struct {
	App          BuildInfo `json:"app"`
	Dependencies struct {
		Gofulmen string `json:"gofulmen"`
		Crucible string `json:"crucible"`
	} `json:"dependencies"`
	Runtime struct {
		Platform      string `json:"platform"`
		NumCPU        int    `json:"num_cpu"`
		NumGoroutines int    `json:"num_goroutines"`
	} `json:"runtime"`
}

// VersionHandler reports build, dependency, and runtime metadata.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	deps := crucible.GetVersion()

	resp := VersionResponse{App: CurrentBuild()}
	resp.Dependencies.Gofulmen = deps.Gofulmen
	resp.Dependencies.Crucible = deps.Crucible
	resp.Runtime.Platform = runtime.GOOS + "/" + runtime.GOARCH
	resp.Runtime.NumCPU = runtime.NumCPU()
	resp.Runtime.NumGoroutines = runtime.NumGoroutine()

	writeJSON(w, http.StatusOK, resp)
}
