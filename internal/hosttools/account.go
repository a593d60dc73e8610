package hosttools

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"
)

// Account is the unprivileged identity the jailer drops to.
type Account struct {
	Name string
	UID  int
	GID  int
}

// LookupAccount resolves a user name, or a numeric uid, to its uid and
// primary gid.
func LookupAccount(name string) (Account, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return Account{}, fmt.Errorf("user name is required")
	}

	u, err := user.Lookup(trimmed)
	if err != nil {
		if _, convErr := strconv.Atoi(trimmed); convErr != nil {
			return Account{}, fmt.Errorf("look up user %q: %w", trimmed, err)
		}
		if u, err = user.LookupId(trimmed); err != nil {
			return Account{}, fmt.Errorf("look up uid %s: %w", trimmed, err)
		}
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Account{}, fmt.Errorf("user %q has non-numeric uid %q", trimmed, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return Account{}, fmt.Errorf("user %q has non-numeric gid %q", trimmed, u.Gid)
	}
	return Account{Name: u.Username, UID: uid, GID: gid}, nil
}
