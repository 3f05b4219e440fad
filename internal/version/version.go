// Package version holds build-time identity, injected via -ldflags.
package version

import "log"

var (
	Name        = "httpcore"
	Authors     = "Thushan Fernando"
	Description = "A connection-pooled HTTP/1.1 and HTTP/2 transport core"
	Version     = "v0.0.1"
	Commit      = "none"
	Date        = "nowish"
)

const (
	GithubHomeText = "github.com/thushan/httpcore"
	GithubHomeUri  = "https://github.com/thushan/httpcore"
)

// PrintVersionInfo writes a short identity banner; extendedInfo adds the
// build commit/date, the same pair --version has always reported.
func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	vlog.Printf("%s %s - %s\n", Name, Version, Description)
	vlog.Printf("%s\n", GithubHomeUri)
	if extendedInfo {
		vlog.Printf("Commit: %s\n", Commit)
		vlog.Printf(" Built: %s\n", Date)
	}
}
