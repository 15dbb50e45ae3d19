package mfa

import (
	"errors"
	"fmt"
	"strings"
)

// Requirement is the ordered multi-factor strictness scale. Composition picks
// the maximum, so a stricter source always wins.
type Requirement int

const (
	// Optional means MFA is never demanded.
	Optional Requirement = iota
	// Recommended surfaces a prompt but never blocks.
	Recommended
	// Required demands a step-up before the operation proceeds.
	Required
	// Enforced demands a step-up and cannot be relaxed by user settings.
	Enforced
)

var requirementNames = map[Requirement]string{
	Optional:    "optional",
	Recommended: "recommended",
	Required:    "required",
	Enforced:    "enforced",
}

// ErrUnknownRequirement is returned when parsing an unrecognised level.
var ErrUnknownRequirement = errors.New("mfa: unknown requirement")

func (r Requirement) String() string {
	if name, ok := requirementNames[r]; ok {
		return name
	}
	return fmt.Sprintf("requirement(%d)", int(r))
}

// ParseRequirement maps a level name back to its Requirement.
func ParseRequirement(s string) (Requirement, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for r, n := range requirementNames {
		if n == name {
			return r, nil
		}
	}
	return Optional, fmt.Errorf("%w: %q", ErrUnknownRequirement, s)
}

// Max returns the stricter of two requirements.
func Max(a, b Requirement) Requirement {
	if a > b {
		return a
	}
	return b
}
