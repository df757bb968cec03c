package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// devBuild is the version stamped on binaries built outside a tagged
// release. Dev builds read and write any ledger.
const devBuild = "main"

// CheckSchemaCompatibility reports whether a ledger stamped with
// schemaVersion is readable by an engine carrying engineVersion. The table
// layout is pinned to the release major.minor pair: patch releases never
// touch the schema, so 1.2.x reads anything written by 1.2.y, while a minor
// or major bump may have moved columns and the ledger has to be rebuilt
// first. A leading "v" and any prerelease or build metadata are ignored.
func CheckSchemaCompatibility(engineVersion, schemaVersion string) error {
	engine := strings.TrimPrefix(engineVersion, "v")
	schema := strings.TrimPrefix(schemaVersion, "v")

	if engine == devBuild || schema == devBuild {
		return nil
	}

	ev, err := semver.NewVersion(engine)
	if err != nil {
		return fmt.Errorf("invalid engine version %q: %w", engine, err)
	}

	sv, err := semver.NewVersion(schema)
	if err != nil {
		return fmt.Errorf("invalid schema version %q: %w", schema, err)
	}

	if ev.Major() != sv.Major() || ev.Minor() != sv.Minor() {
		return fmt.Errorf("ledger schema %d.%d is not readable by engine %d.%d: rebuild the ledger or match the release",
			sv.Major(), sv.Minor(), ev.Major(), ev.Minor())
	}

	return nil
}
