package semver

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

const gateLogPrefix = "semver:gate"

// Gate admits client versions that satisfy a constraint.
type Gate struct {
	raw        string
	constraint *masterminds.Constraints
	required   bool
}

// NewGate compiles constraint (e.g. ">=1.0.0, <2.0.0" or "^1.2"). An empty
// constraint returns a nil Gate, which admits everything. When required is
// false a client that sends no version is admitted.
func NewGate(constraint string, required bool) (*Gate, error) {
	if constraint == "" {
		return nil, nil
	}
	c, err := masterminds.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid constraint %q: %w", gateLogPrefix, constraint, err)
	}
	return &Gate{raw: constraint, constraint: c, required: required}, nil
}

// Constraint returns the constraint text.
func (g *Gate) Constraint() string {
	if g == nil {
		return ""
	}
	return g.raw
}

// Check validates a raw client version against the gate.
func (g *Gate) Check(raw string) error {
	if g == nil {
		return nil
	}
	if raw == "" {
		if g.required {
			return fmt.Errorf("%s - client version required (%s)", gateLogPrefix, g.raw)
		}
		return nil
	}

	parsed, err := ParseClientVersion(raw)
	if err != nil {
		return err
	}
	if ok, errs := g.constraint.Validate(parsed.Version); !ok {
		if len(errs) > 0 {
			return fmt.Errorf("%s - client version %s rejected: %w", gateLogPrefix, parsed, errs[0])
		}
		return fmt.Errorf("%s - client version %s does not satisfy %s", gateLogPrefix, parsed, g.raw)
	}
	return nil
}
