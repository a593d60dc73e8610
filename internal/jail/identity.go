package jail

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateSuffix = func() (string, error) {
	id, err := typeid.WithPrefix("")
	if err != nil {
		return "", err
	}
	return id.Suffix(), nil
}

// NewID returns a jailer instance id for a VM named name: the name followed
// by a random, time-sortable suffix. The jailer only accepts alphanumerics
// and hyphens, so the suffix never carries a typeid prefix separator.
func NewID(name string) string {
	suffix, err := generateSuffix()
	if err != nil || strings.TrimSpace(suffix) == "" {
		suffix = fmt.Sprintf("%d", time.Now().UTC().UnixNano())
	}
	return name + "-" + suffix
}
