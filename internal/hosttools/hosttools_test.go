package hosttools

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestResolveBinaryPrefersLookPath(t *testing.T) {
	t.Parallel()

	got, err := resolveBinary(
		"jailer",
		func(string) (string, error) { return "/usr/bin/jailer", nil },
		func(string) (os.FileInfo, error) { return nil, os.ErrNotExist },
		[]string{"/usr/local/bin/jailer"},
	)
	if err != nil {
		t.Fatalf("resolveBinary returned error: %v", err)
	}
	if got != "/usr/bin/jailer" {
		t.Fatalf("unexpected resolved path: got %q", got)
	}
}

func TestResolveBinaryFallsBackToCandidate(t *testing.T) {
	t.Parallel()

	candidate := "/usr/local/bin/firecracker"
	got, err := resolveBinary(
		"firecracker",
		func(string) (string, error) { return "", errors.New("not found") },
		func(path string) (os.FileInfo, error) {
			if path == candidate {
				return &fakeFileInfo{mode: 0o755}, nil
			}
			return nil, os.ErrNotExist
		},
		[]string{"/usr/local/sbin/firecracker", candidate},
	)
	if err != nil {
		t.Fatalf("resolveBinary returned error: %v", err)
	}
	if got != candidate {
		t.Fatalf("unexpected resolved path: got %q want %q", got, candidate)
	}
}

func TestResolveBinarySkipsNonExecutableCandidate(t *testing.T) {
	t.Parallel()

	_, err := resolveBinary(
		"jailer",
		func(string) (string, error) { return "", errors.New("not found") },
		func(string) (os.FileInfo, error) { return &fakeFileInfo{mode: 0o644}, nil },
		[]string{"/usr/local/bin/jailer"},
	)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "jailer") {
		t.Fatalf("expected binary name in error, got %v", err)
	}
}

func TestResolveBinaryChecksExplicitPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	exe := filepath.Join(dir, "firecracker-v1.7.0-x86_64")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := ResolveBinary(exe, FirecrackerBinary)
	if err != nil {
		t.Fatalf("ResolveBinary: %v", err)
	}
	if got != exe {
		t.Fatalf("unexpected path %q", got)
	}

	plain := filepath.Join(dir, "jailer")
	if err := os.WriteFile(plain, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ResolveBinary(plain, JailerBinary); err == nil || !strings.Contains(err.Error(), "not executable") {
		t.Fatalf("expected not executable error, got %v", err)
	}
	if _, err := ResolveBinary(dir, JailerBinary); err == nil || !strings.Contains(err.Error(), "directory") {
		t.Fatalf("expected directory error, got %v", err)
	}
	if _, err := ResolveBinary(filepath.Join(dir, "missing"), JailerBinary); err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected missing error, got %v", err)
	}
}

func TestCandidateBinaryPathsIncludesBinAndSbin(t *testing.T) {
	t.Parallel()

	got := candidateBinaryPaths("jailer", []string{"/usr/local", "/usr/local", " "})
	if len(got) != 2 {
		t.Fatalf("unexpected candidate count: %d", len(got))
	}
	if got[0] != "/usr/local/bin/jailer" {
		t.Fatalf("unexpected first candidate: %q", got[0])
	}
	if got[1] != "/usr/local/sbin/jailer" {
		t.Fatalf("unexpected second candidate: %q", got[1])
	}
}

func TestLookupAccountCurrentUser(t *testing.T) {
	t.Parallel()

	current, err := user.Current()
	if err != nil {
		t.Skipf("current user unavailable: %v", err)
	}

	byName, err := LookupAccount(current.Username)
	if err != nil {
		t.Fatalf("LookupAccount(%q): %v", current.Username, err)
	}
	if strconv.Itoa(byName.UID) != current.Uid || strconv.Itoa(byName.GID) != current.Gid {
		t.Fatalf("unexpected account %+v for %+v", byName, current)
	}

	byID, err := LookupAccount(current.Uid)
	if err != nil {
		t.Fatalf("LookupAccount(%q): %v", current.Uid, err)
	}
	if byID.UID != byName.UID {
		t.Fatalf("numeric lookup mismatch: %+v vs %+v", byID, byName)
	}
}

func TestLookupAccountUnknown(t *testing.T) {
	t.Parallel()

	if _, err := LookupAccount("no-such-user-firestarter"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := LookupAccount("  "); err == nil {
		t.Fatal("expected error for empty name")
	}
}

type fakeFileInfo struct {
	mode os.FileMode
}

func (f *fakeFileInfo) Name() string       { return "bin" }
func (f *fakeFileInfo) Size() int64        { return 1 }
func (f *fakeFileInfo) Mode() os.FileMode  { return f.mode }
func (f *fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (f *fakeFileInfo) IsDir() bool        { return false }
func (f *fakeFileInfo) Sys() any           { return nil }
