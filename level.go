package arcx

import (
	"fmt"
)

// Level selects how hard an engine compresses newly added entries. The mapping to native codec settings is
// engine-specific, except for Store which always writes entries as-is. The zero value stands for "not set" and
// resolves to the archive's default level.
type Level int

const (
	levelNotSet Level = iota

	// Store writes entries without compression. The stored bytes are exactly the source bytes.
	Store
	// Fast favors speed over ratio.
	Fast
	// Normal is the default trade-off.
	Normal
	// Best favors ratio over speed.
	Best
)

func (l Level) String() string {
	switch l {
	case levelNotSet, Normal:
		return "normal"
	case Store:
		return "store"
	case Fast:
		return "fast"
	case Best:
		return "best"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel parses a compression level by name as given on a command line.
func ParseLevel(name string) (Level, error) {
	switch name {
	case "store":
		return Store, nil
	case "fast":
		return Fast, nil
	case "", "normal":
		return Normal, nil
	case "best":
		return Best, nil
	}
	return levelNotSet, fmt.Errorf(`unknown compression level "%s"`, name)
}

// or returns l unless it is unset, in which case it returns fallback.
func (l Level) or(fallback Level) Level {
	if l == levelNotSet {
		return fallback
	}
	return l
}

func (l Level) valid() bool {
	return l >= levelNotSet && l <= Best
}
