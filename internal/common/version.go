package common

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// Set with -ldflags "-X github.com/bobmcallan/marketcore/internal/common.Version=..."
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// BuildStampFile is the release stamp shipped beside the marketcore binary.
const BuildStampFile = "marketcore.version"

// BuildInfo identifies the running binary. It is served by /api/version.
type BuildInfo struct {
	Version string `toml:"version" json:"version"`
	Build   string `toml:"build" json:"build"`
	Commit  string `toml:"commit" json:"commit"`
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", b.Version, b.Build, b.Commit)
}

// CurrentBuild returns the build metadata in effect.
func CurrentBuild() BuildInfo {
	return BuildInfo{Version: Version, Build: Build, Commit: GitCommit}
}

// LoadBuildStamp reads a TOML stamp and fills only the fields ldflags left
// at their defaults. A missing file is not an error.
func LoadBuildStamp(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read build stamp: %w", err)
	}
	var stamp BuildInfo
	if err := toml.Unmarshal(data, &stamp); err != nil {
		return fmt.Errorf("parse build stamp %s: %w", path, err)
	}
	if Version == "dev" && stamp.Version != "" {
		Version = stamp.Version
	}
	if Build == "unknown" && stamp.Build != "" {
		Build = stamp.Build
	}
	if GitCommit == "unknown" && stamp.Commit != "" {
		GitCommit = stamp.Commit
	}
	return nil
}

// LoadBinaryBuildStamp applies the stamp beside the executable, if any.
// A broken stamp leaves the ldflags values untouched.
func LoadBinaryBuildStamp() {
	exe, err := os.Executable()
	if err != nil {
		return
	}
	_ = LoadBuildStamp(filepath.Join(filepath.Dir(exe), BuildStampFile))
}
