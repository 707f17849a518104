package observability

// Build metadata, overwritten via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = ""
)
