package session

import (
	"fmt"
	"regexp"
	"strings"
)

// Sessions are usually named after the account they hold, so handles such
// as "alice@acme.io" are allowed. The name becomes a directory and part of
// the daemon's socket path.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9._@-]{0,47}$`)

// maxSocketPath is the smallest sun_path limit among supported platforms
// (104 on darwin, including the terminating NUL).
const maxSocketPath = 103

// ValidateName checks that name is usable as a session directory and that
// its socket path fits the platform limit.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use up to 48 of a-z 0-9 . _ @ - starting with a letter or digit", name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("invalid session name %q: must not contain \"..\"", name)
	}
	if p := SocketPath(name); len(p) > maxSocketPath {
		return fmt.Errorf("session name %q: socket path %s is %d bytes, the limit is %d", name, p, len(p), maxSocketPath)
	}
	return nil
}
