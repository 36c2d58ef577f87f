// Package sequence assigns phase identifiers by scanning the phase files
// already present in a scope directory.
package sequence

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// Width is the minimum number of digits in an identifier. Identifiers past
// 999 widen instead of wrapping, and the file pattern accepts them.
const Width = 3

var phasePattern = regexp.MustCompile(`^phase-(\d{3,})\.md$`)

// ID is a phase identifier.
type ID int

// First is the identifier assigned when no phases exist.
const First ID = 1

// String returns the zero-padded form, e.g. "007" or "1000".
func (id ID) String() string {
	return fmt.Sprintf("%0*d", Width, int(id))
}

// FileName returns the artifact name for id.
func (id ID) FileName() string {
	return "phase-" + id.String() + ".md"
}

// ParseFileName extracts the identifier from a phase artifact name.
func ParseFileName(name string) (ID, bool) {
	m := phasePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return ID(n), true
}

// Max returns the highest identifier among the phase files in dir. ok is
// false when there are none or dir cannot be read.
func Max(dir string) (max ID, ok bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, matched := ParseFileName(entry.Name())
		if !matched {
			continue
		}
		if !ok || id > max {
			max, ok = id, true
		}
	}
	return max, ok
}

// Next returns one past the highest existing identifier in dir, or First.
func Next(dir string) ID {
	max, ok := Max(dir)
	if !ok {
		return First
	}
	return max + 1
}
