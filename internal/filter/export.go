package filter

import "github.com/yourorg/apirecorder/pkg/types"

// Export prepares an archive for leaving the process: noise is dropped when
// dropNoise is set, and sensitive values are redacted when sanitizing is on.
func Export(entries []types.ArchiveEntry, f FilterConfig, s SanitizeConfig, dropNoise bool) []types.ArchiveEntry {
	out := entries
	if dropNoise {
		out = Apply(out, f)
	}
	if s.Enabled {
		out = Sanitize(out, s)
	}
	if out == nil {
		out = []types.ArchiveEntry{}
	}
	return out
}
