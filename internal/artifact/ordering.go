package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

var ErrUnknownOrdering = errors.New("unknown glob order")

const (
	OrderMostRecent    = "most_recent"
	OrderLatestVersion = "latest_version"
)

// DefaultOrdering is used when a config entry carries no glob_order.
const DefaultOrdering = OrderMostRecent

// Candidate is one glob match offered to an Ordering.
type Candidate struct {
	Path string
	Info fs.FileInfo
}

// Ordering reports whether a ranks strictly below b.
type Ordering func(a, b Candidate) bool

var orderings = map[string]Ordering{
	OrderMostRecent:    byModTime,
	OrderLatestVersion: byEmbeddedVersion,
}

// LookupOrdering returns the named ordering. An empty name selects
// DefaultOrdering.
func LookupOrdering(name string) (Ordering, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultOrdering
	}
	ordering, ok := orderings[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownOrdering, name, strings.Join(OrderingNames(), ", "))
	}
	return ordering, nil
}

// OrderingNames lists the names accepted by LookupOrdering.
func OrderingNames() []string {
	names := make([]string, 0, len(orderings))
	for name := range orderings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func byModTime(a, b Candidate) bool {
	return a.Info.ModTime().Before(b.Info.ModTime())
}

func byEmbeddedVersion(a, b Candidate) bool {
	return semver.Compare(embeddedVersion(a.Info.Name()), embeddedVersion(b.Info.Name())) < 0
}

var versionPattern = regexp.MustCompile(`(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:-([A-Za-z][0-9A-Za-z]*(?:\.[0-9A-Za-z]+)*))?`)

// embeddedVersion extracts a version-like substring of name as a semver
// string ("v6.1.155", "v5.10.0-rc1"). Dotted runs win over bare numbers, so
// "vmlinux-x86_64-6.1" yields v6.1.0 rather than v86.0.0. Names without a
// version yield "", which semver sorts below every valid version.
func embeddedVersion(name string) string {
	matches := versionPattern.FindAllStringSubmatch(name, -1)
	if len(matches) == 0 {
		return ""
	}
	m := matches[0]
	for _, candidate := range matches {
		if candidate[2] != "" {
			m = candidate
			break
		}
	}
	core := "v" + trimLeadingZeros(m[1])
	for _, part := range m[2:4] {
		if part == "" {
			part = "0"
		}
		core += "." + trimLeadingZeros(part)
	}
	if m[4] == "" {
		return core
	}
	if v := core + "-" + m[4]; semver.IsValid(v) {
		return v
	}
	return core
}

func trimLeadingZeros(s string) string {
	t := strings.TrimLeft(s, "0")
	if t == "" {
		return "0"
	}
	return t
}
