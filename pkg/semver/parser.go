// Package semver parses client protocol versions and checks them against a
// server-side constraint.
package semver

import (
	"fmt"
	"regexp"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:parser"

// ParsedClientVersion holds the components of a client version string.
type ParsedClientVersion struct {
	// Client name if the value was of the form name/version (e.g. "sockr-js")
	Client string
	// Parsed version; partial inputs are padded ("1.2" is 1.2.0)
	Version *masterminds.Version
	// Raw input string
	Raw string
}

var clientNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)

// ParseClientVersion parses values such as "1", "1.2", "v1.2.3" or
// "sockr-js/1.4.0".
func ParseClientVersion(input string) (*ParsedClientVersion, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return nil, fmt.Errorf("%s - empty version", logPrefix)
	}

	out := &ParsedClientVersion{Raw: raw}
	versionPart := raw
	if idx := strings.LastIndex(raw, "/"); idx >= 0 {
		out.Client = raw[:idx]
		versionPart = raw[idx+1:]
		if !clientNameRegex.MatchString(out.Client) {
			return nil, fmt.Errorf("%s - invalid client name in %q", logPrefix, raw)
		}
	}

	v, err := masterminds.NewVersion(versionPart)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid version %q: %w", logPrefix, raw, err)
	}
	out.Version = v
	return out, nil
}

// String renders the parsed value as name/major.minor.patch.
func (p *ParsedClientVersion) String() string {
	if p.Client == "" {
		return p.Version.String()
	}
	return p.Client + "/" + p.Version.String()
}
