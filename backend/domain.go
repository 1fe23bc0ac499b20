package backend

import (
	"fmt"
	"strings"
)

// OverwritePolicy decides what a download does when the destination exists.
type OverwritePolicy int

const (
	UNSPECIFIED OverwritePolicy = iota
	ALWAYS
	NEVER
	// IF_DIFFERENT replaces the destination unless it already holds the
	// share's content.
	IF_DIFFERENT
)

var overwritePolicyNames = map[OverwritePolicy]string{
	UNSPECIFIED:  "unspecified",
	ALWAYS:       "always",
	NEVER:        "never",
	IF_DIFFERENT: "if-different",
}

func (p OverwritePolicy) String() string {
	if s, ok := overwritePolicyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("OverwritePolicy(%d)", int(p))
}

// ParseOverwritePolicy accepts the names printed by String; the empty string
// maps to NEVER.
func ParseOverwritePolicy(s string) (OverwritePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "never", "no":
		return NEVER, nil
	case "always", "yes", "force":
		return ALWAYS, nil
	case "if-different", "if_different", "different":
		return IF_DIFFERENT, nil
	}
	return UNSPECIFIED, fmt.Errorf("unknown overwrite policy %q (want always, never or if-different)", s)
}
