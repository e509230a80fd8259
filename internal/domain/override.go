package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// OverrideSource is a side table that flags recordings carrying locally
// curated data. A row whose value column is not null marks its recording
// GID for reindexing.
type OverrideSource struct {
	Name        string
	Table       string
	GIDColumn   string
	ValueColumn string
}

// Well-known override source names.
const (
	OverrideLyrics       = "lyrics"
	OverridePreferredKey = "preferred-key"
)

// DefaultOverrideSources returns the lyrics and preferred key sources.
func DefaultOverrideSources() []OverrideSource {
	return []OverrideSource{
		{Name: OverrideLyrics, Table: "local_recording_lyrics", GIDColumn: "recording_gid", ValueColumn: "lyrics_original"},
		{Name: OverridePreferredKey, Table: "local_recording_key", GIDColumn: "recording_gid", ValueColumn: "preferred_key"},
	}
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Validate checks that every identifier is a plain (optionally schema
// qualified) SQL name.
func (o OverrideSource) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("override source: name is required")
	}
	for _, ident := range []string{o.Table, o.GIDColumn, o.ValueColumn} {
		if !identifierRe.MatchString(ident) {
			return fmt.Errorf("override source %s: invalid identifier %q", o.Name, ident)
		}
	}
	if strings.Contains(o.GIDColumn, ".") || strings.Contains(o.ValueColumn, ".") {
		return fmt.Errorf("override source %s: columns must not be qualified", o.Name)
	}
	return nil
}

// ParseOverrideSources parses "name:table:gid_column:value_column" entries.
// An empty list yields the defaults.
func ParseOverrideSources(entries []string) ([]OverrideSource, error) {
	var out []OverrideSource
	seen := make(map[string]bool)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("override source %q: want name:table:gid_column:value_column", entry)
		}
		src := OverrideSource{Name: parts[0], Table: parts[1], GIDColumn: parts[2], ValueColumn: parts[3]}
		if err := src.Validate(); err != nil {
			return nil, err
		}
		if seen[src.Name] {
			return nil, fmt.Errorf("override source %s: defined twice", src.Name)
		}
		seen[src.Name] = true
		out = append(out, src)
	}
	if len(out) == 0 {
		return DefaultOverrideSources(), nil
	}
	return out, nil
}

// SelectOverrideSources returns the sources named in names, in the order
// given. No names selects all of them.
func SelectOverrideSources(all []OverrideSource, names []string) ([]OverrideSource, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]OverrideSource, len(all))
	for _, src := range all {
		byName[src.Name] = src
	}
	out := make([]OverrideSource, 0, len(names))
	for _, name := range names {
		src, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown override source %q", name)
		}
		out = append(out, src)
	}
	return out, nil
}
