package types

import (
	"fmt"
	"strings"
)

// SelectionMode picks which part of the corpus a run stages and executes.
type SelectionMode string

const (
	ModeDefault SelectionMode = "default" // whole corpus, no staging
	ModeES51    SelectionMode = "es51"
	ModeES2015  SelectionMode = "es2015"
	ModeCI      SelectionMode = "ci"
	ModeESNext  SelectionMode = "esnext" // whole corpus at the esnext revision, no staging
)

// Staged reports whether the mode materializes a filtered copy of the corpus.
func (m SelectionMode) Staged() bool {
	switch m {
	case ModeES51, ModeES2015, ModeCI:
		return true
	default:
		return false
	}
}

// Marker returns the edition id searched for in test contents, if any.
func (m SelectionMode) Marker() string {
	switch m {
	case ModeES51:
		return "es5id"
	case ModeES2015:
		return "es6id"
	default:
		return ""
	}
}

// ES2015Scope narrows the es2015 mode.
type ES2015Scope string

const (
	ScopeAll  ES2015Scope = "all"  // es2015 plus every es5.1 test
	ScopeOnly ES2015Scope = "only" // es2015 tests only
)

// ParseES2015Scope validates a scope name.
func ParseES2015Scope(s string) (ES2015Scope, error) {
	switch ES2015Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeAll:
		return ScopeAll, nil
	case ScopeOnly:
		return ScopeOnly, nil
	default:
		return "", fmt.Errorf("invalid es2015 scope %q, must be one of: %s, %s", s, ScopeAll, ScopeOnly)
	}
}

// Strictness selects which strict-mode variants the harness runs.
type Strictness int

const (
	StrictnessDefault Strictness = 1
	StrictnessStrict  Strictness = 2
	StrictnessBoth    Strictness = 3
)

// IsValid reports whether s is one of the known strictness values.
func (s Strictness) IsValid() bool {
	return s >= StrictnessDefault && s <= StrictnessBoth
}

// String returns the value the harness expects for its --mode flag.
func (s Strictness) String() string {
	switch s {
	case StrictnessDefault:
		return "only default"
	case StrictnessStrict:
		return "only strict mode"
	default:
		return "both default and strict mode"
	}
}

// Front-ends that can compile javascript for the ark VM.
const (
	FrontendTS2Panda = "ts2panda"
	FrontendES2Panda = "es2panda"
)

// Frontends lists the supported front-ends, default first.
var Frontends = []string{FrontendTS2Panda, FrontendES2Panda}

// IsValidFrontend reports whether name is a supported front-end.
func IsValidFrontend(name string) bool {
	for _, f := range Frontends {
		if f == name {
			return true
		}
	}
	return false
}
