// Package hosttools locates the host programs and accounts firestarter
// depends on and checks them before anything is set up.
package hosttools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	JailerBinary      = "jailer"
	FirecrackerBinary = "firecracker"
)

// installPrefixes are searched after PATH. Release tarballs are commonly
// unpacked into /usr/local, distribution packages install into /usr.
var installPrefixes = []string{"/usr/local", "/usr"}

// ResolveBinary returns the absolute path of a Firecracker tool. An explicit
// path is only checked. Otherwise binary is looked up in PATH and then in
// the usual install prefixes.
func ResolveBinary(explicit, binary string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		return checkExecutable(explicit, os.Stat)
	}
	return resolveBinary(binary, exec.LookPath, os.Stat, candidateBinaryPaths(binary, installPrefixes))
}

func resolveBinary(
	binary string,
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	candidates []string,
) (string, error) {
	trimmed := strings.TrimSpace(binary)
	if trimmed == "" {
		return "", fmt.Errorf("binary name is required")
	}

	if path, err := lookPath(trimmed); err == nil {
		return filepath.Abs(path)
	}

	for _, candidate := range candidates {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		if path, err := checkExecutable(candidate, stat); err == nil {
			return path, nil
		}
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("%s not found in PATH", trimmed)
	}
	return "", fmt.Errorf("%s not found in PATH or %s", trimmed, strings.Join(installPrefixes, ", "))
}

func checkExecutable(path string, stat func(string) (os.FileInfo, error)) (string, error) {
	info, err := stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s does not exist", path)
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%s is not executable", path)
	}
	return filepath.Abs(path)
}

func candidateBinaryPaths(binary string, prefixes []string) []string {
	trimmedBinary := strings.TrimSpace(binary)
	if trimmedBinary == "" {
		return nil
	}

	seen := map[string]struct{}{}
	out := make([]string, 0, len(prefixes)*2)
	appendCandidate := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}

	for _, prefix := range prefixes {
		trimmedPrefix := strings.TrimSpace(prefix)
		if trimmedPrefix == "" {
			continue
		}
		appendCandidate(filepath.Join(trimmedPrefix, "bin", trimmedBinary))
		appendCandidate(filepath.Join(trimmedPrefix, "sbin", trimmedBinary))
	}
	return out
}
