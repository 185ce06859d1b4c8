package meta

import (
	"fmt"
	"runtime"
)

// Info describes the build a reveille binary came from. Everything but the
// Go version and platform is injected by the linker, e.g.
//
//   go build -ldflags "-X github.com/luma/reveille/internal/meta.Version=v1.2.0"
//
type Info struct {
	Version   string `json:"version"`
	Build     string `json:"build"`
	Branch    string `json:"branch"`
	BuildTime string `json:"buildTime"`
	Platform  string `json:"platform"`
	GoVersion string `json:"goVersion"`
}

// These will be filled in using the linker -X flag
var (
	// Version as an arbitrary string, "dev" when unset
	Version string

	// Build is the Git sha from when we are building
	Build string

	// Branch is the Git branch that we are building from
	Branch string

	// BuildTimeUTC is the build time in UTC (year/month/day hour:min:sec)
	BuildTimeUTC string
)

func GetInfo() Info {
	return Info{
		Version:   orDefault(Version, "dev"),
		Build:     orDefault(Build, "unknown"),
		Branch:    orDefault(Branch, "unknown"),
		BuildTime: orDefault(BuildTimeUTC, "unknown"),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		GoVersion: runtime.Version(),
	}
}

// String renders the info on one line, as printed by `reveille version`.
func (i Info) String() string {
	return fmt.Sprintf("reveille %s (%s@%s, built %s) %s %s",
		i.Version, i.Build, i.Branch, i.BuildTime, i.GoVersion, i.Platform)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}

	return s
}
