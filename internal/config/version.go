package config

import (
	"fmt"
	"sort"
	"strings"
)

// CurrentVersion is the latest supported configuration file version.
const CurrentVersion = 1

// legacyKeys maps the flat keys of unversioned bot configs to their place
// in a version 1 file.
var legacyKeys = map[string]string{
	"homeserver":        "matrix.homeserver",
	"user_id":           "matrix.user_id",
	"access_token":      "matrix.access_token",
	"device_id":         "matrix.device_id",
	"command_prefix":    "commands.prefixes",
	"owner_id":          "commands.owner",
	"case_insensitive":  "commands.case_sensitive (inverted)",
	"ignore_self":       "commands.process_self (inverted)",
	"ignore_old_events": "commands.process_old_events (inverted)",
	"store_path":        "store.path",
}

// VersionError describes a configuration file mxbot cannot load as is.
type VersionError struct {
	Version int
	Current int

	// Moves lists "old -> new" key relocations for unversioned files
	Moves []string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Version > e.Current:
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade mxbot", e.Version, e.Current)
	case len(e.Moves) > 0:
		return fmt.Sprintf("config has no version and uses flat keys; set version: %d and move %s",
			e.Current, strings.Join(e.Moves, ", "))
	}
	return fmt.Sprintf("config version %d is unsupported (current: %d); set version: %d", e.Version, e.Current, e.Current)
}

// ValidateVersion ensures the provided config version is supported.
func ValidateVersion(version int) error {
	if version != CurrentVersion {
		return &VersionError{Version: version, Current: CurrentVersion}
	}
	return nil
}

// checkRawVersion inspects a merged raw config before decoding. A missing
// version is accepted unless the file still uses flat legacy keys.
func checkRawVersion(raw map[string]any) error {
	version, present := raw["version"]
	if present {
		switch n := version.(type) {
		case int:
			return ValidateVersion(n)
		case float64:
			// JSON5 numbers
			if n == float64(int(n)) {
				return ValidateVersion(int(n))
			}
		}
		return fmt.Errorf("config version must be an integer, got %v", version)
	}

	var moves []string
	for key := range raw {
		if target, ok := legacyKeys[key]; ok {
			moves = append(moves, key+" -> "+target)
		}
	}
	if len(moves) == 0 {
		return nil
	}
	sort.Strings(moves)
	return &VersionError{Current: CurrentVersion, Moves: moves}
}
