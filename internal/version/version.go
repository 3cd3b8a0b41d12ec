package version

// Set at build time with -ldflags.
var (
	PackageName = "bubbles"
	Version     = "undefined"
	CommitHash  = "undefined"
	BuildDate   = "undefined"
)
