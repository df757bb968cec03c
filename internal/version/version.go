package version

// Version identifies the running engine build. Releases overwrite it with
// the tag via
// -ldflags "-X github.com/rxtech-lab/gapflow/internal/version.Version=v1.2.3";
// CI stamps untagged builds with "main".
var Version = "v1.0.0"

// GetVersion returns the current version of the engine.
func GetVersion() string {
	return Version
}
