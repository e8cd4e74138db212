package version

// These are overridden at build time via -ldflags.
var (
	PackageName = "gpu-claim-arbiterd"
	Version     = "dev"
	CommitHash  = "unknown"
	BuildDate   = "unknown"
)
