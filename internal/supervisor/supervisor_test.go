package supervisor

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestJailerArgsMinimal(t *testing.T) {
	t.Parallel()

	args, err := JailerArgs(JailerOptions{
		ExecFile:      "/usr/bin/firecracker",
		ID:            "web-01-01h455vb4pex5vsknk084sn02q",
		ChrootBaseDir: "/srv/vms/chroot",
		UID:           123,
		GID:           456,
	})
	if err != nil {
		t.Fatalf("JailerArgs: %v", err)
	}
	want := []string{
		"--exec-file", "/usr/bin/firecracker",
		"--id", "web-01-01h455vb4pex5vsknk084sn02q",
		"--chroot-base-dir", "/srv/vms/chroot",
		"--uid", "123",
		"--gid", "456",
		"--", "--config-file", "config.json",
	}
	if strings.Join(args, " ") != strings.Join(want, " ") {
		t.Fatalf("unexpected argv:\n  got:  %q\n  want: %q", args, want)
	}
}

func TestJailerArgsOptionalFeatures(t *testing.T) {
	fixture := filepath.Join(t.TempDir(), "cpulist")
	if err := os.WriteFile(fixture, []byte("0-3,8-11\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	previous := nodeCPUListPath
	nodeCPUListPath = func(int) string { return fixture }
	t.Cleanup(func() { nodeCPUListPath = previous })

	node := 1
	args, err := JailerArgs(JailerOptions{
		ExecFile:        "firecracker",
		ID:              "vm",
		ChrootBaseDir:   "/c",
		NewPIDNamespace: true,
		NetNS:           "/var/run/netns/vm",
		Cgroups:         []string{"cpu.max=50000"},
		ResourceLimits:  []string{"no-file=1024"},
		NUMANode:        &node,
		Daemonize:       true,
		SeccompFilter:   true,
	})
	if err != nil {
		t.Fatalf("JailerArgs: %v", err)
	}
	got := strings.Join(args, " ")
	want := "--exec-file firecracker --id vm --chroot-base-dir /c --uid 0 --gid 0" +
		" --new-pid-ns --netns /var/run/netns/vm --cgroup cpu.max=50000" +
		" --cgroup cpuset.mems=1 --cgroup cpuset.cpus=0-3,8-11" +
		" --resource-limit no-file=1024 --daemonize" +
		" -- --config-file config.json --seccomp-filter seccomp.bpf"
	if got != want {
		t.Fatalf("unexpected argv:\n  got:  %s\n  want: %s", got, want)
	}
}

func TestJailerArgsNoSeccompWins(t *testing.T) {
	t.Parallel()

	args, err := JailerArgs(JailerOptions{NoSeccomp: true, SeccompFilter: true})
	if err != nil {
		t.Fatalf("JailerArgs: %v", err)
	}
	if args[len(args)-1] != "--no-seccomp" || strings.Contains(strings.Join(args, " "), "--seccomp-filter") {
		t.Fatalf("unexpected seccomp args: %q", args)
	}
}

func TestJailerArgsRejectsUnknownNUMANode(t *testing.T) {
	previous := nodeCPUListPath
	nodeCPUListPath = func(int) string { return filepath.Join(t.TempDir(), "missing") }
	t.Cleanup(func() { nodeCPUListPath = previous })

	node := 7
	if _, err := JailerArgs(JailerOptions{NUMANode: &node}); err == nil || !strings.Contains(err.Error(), "NUMA node 7") {
		t.Fatalf("expected NUMA node error, got %v", err)
	}
}

func TestPIDFilePath(t *testing.T) {
	t.Parallel()

	if got := PIDFilePath("/c/firecracker/vm/root", "/usr/local/bin/firecracker"); got != "/c/firecracker/vm/root/firecracker.pid" {
		t.Fatalf("unexpected pid file path: %s", got)
	}
}

func TestReadPIDFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.pid")
	if err := os.WriteFile(good, []byte("4242\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pid, err := ReadPIDFile(good)
	if err != nil || pid != 4242 {
		t.Fatalf("ReadPIDFile: got %d, %v", pid, err)
	}

	bad := filepath.Join(dir, "bad.pid")
	if err := os.WriteFile(bad, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPIDFile(bad); err == nil {
		t.Fatal("expected error for malformed pid file")
	}
	if _, err := ReadPIDFile(filepath.Join(dir, "missing.pid")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestShutdownRequestIsByteExact(t *testing.T) {
	t.Parallel()

	want := "PUT /actions HTTP/1.0\r\nContent-Type: application/json\r\nContent-Length: 33\r\n\r\n{\"action_type\": \"SendCtrlAltDel\"}"
	if shutdownRequest != want {
		t.Fatalf("unexpected request:\n  got:  %q\n  want: %q", shutdownRequest, want)
	}
}

func listenUnix(t *testing.T) (net.Listener, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "fs")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "api.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln, path
}

func TestRequestShutdownSendsActionAndDrainsResponse(t *testing.T) {
	t.Parallel()

	ln, path := listenUnix(t)
	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, len(shutdownRequest))
		if _, err := io.ReadFull(conn, buf); err != nil {
			received <- "read error: " + err.Error()
			return
		}
		received <- string(buf)
		_, _ = io.WriteString(conn, "HTTP/1.1 204 \r\nServer: Firecracker API\r\nConnection: keep-alive\r\n\r\n")
	}()

	if err := RequestShutdown(path, time.Second); err != nil {
		t.Fatalf("RequestShutdown: %v", err)
	}
	if got := <-received; got != shutdownRequest {
		t.Fatalf("server saw %q", got)
	}
}

func TestRequestShutdownTimesOutOnUnresponsiveSocket(t *testing.T) {
	t.Parallel()

	ln, path := listenUnix(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	start := time.Now()
	err := RequestShutdown(path, SocketTimeout)
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("request hung for %s", elapsed)
	}
}

func TestRequestShutdownMissingSocket(t *testing.T) {
	t.Parallel()

	if err := RequestShutdown(filepath.Join(t.TempDir(), "absent.sock"), SocketTimeout); err == nil {
		t.Fatal("expected dial error")
	}
}

type fakeProcess struct {
	mu       sync.Mutex
	signals  []os.Signal
	alive    bool
	stubborn bool
}

func (f *fakeProcess) Signal(sig os.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive {
		return ErrProcessDone
	}
	f.signals = append(f.signals, sig)
	if sig == syscall.SIGKILL || !f.stubborn {
		f.alive = false
	}
	return nil
}

func (f *fakeProcess) Wait(ctx context.Context) error {
	return pollUntilExit(ctx, f)
}

func (f *fakeProcess) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeProcess) Release() error { return nil }

func (f *fakeProcess) sent() []os.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]os.Signal(nil), f.signals...)
}

func TestEscalatorIsMonotonic(t *testing.T) {
	t.Parallel()

	for _, pair := range [][2]os.Signal{
		{syscall.SIGINT, syscall.SIGINT},
		{syscall.SIGTERM, syscall.SIGHUP},
		{syscall.SIGQUIT, syscall.SIGTERM},
	} {
		requests := 0
		proc := &fakeProcess{alive: true}
		e := &Escalator{
			SocketPath: "/nonexistent/api.sock",
			Logger:     quietLogger(),
			requestShutdown: func(string, time.Duration) error {
				requests++
				return nil
			},
		}
		e.SetTarget(proc)

		e.Handle(pair[0])
		if requests != 1 || len(proc.sent()) != 0 || e.State() != GracefulRequested {
			t.Fatalf("%v: after first signal: requests=%d signals=%v state=%s", pair, requests, proc.sent(), e.State())
		}

		e.Handle(pair[1])
		if requests != 1 || e.State() != ForceRequested {
			t.Fatalf("%v: after second signal: requests=%d state=%s", pair, requests, e.State())
		}
		if got := proc.sent(); len(got) != 1 || got[0] != pair[1] {
			t.Fatalf("%v: expected exactly the second signal forwarded, got %v", pair, got)
		}

		e.Handle(pair[0])
		if requests != 1 || len(proc.sent()) != 1 || e.State() != ForceRequested {
			t.Fatalf("%v: third signal changed something: requests=%d signals=%v", pair, requests, proc.sent())
		}
	}
}

func TestEscalatorKillsAfterGracePeriod(t *testing.T) {
	t.Parallel()

	proc := &fakeProcess{alive: true, stubborn: true}
	e := &Escalator{
		Logger:          quietLogger(),
		requestShutdown: func(string, time.Duration) error { return errors.New("connection refused") },
	}
	e.SetTarget(proc)

	e.Handle(syscall.SIGTERM)
	start := time.Now()
	e.Handle(syscall.SIGTERM)
	elapsed := time.Since(start)

	got := proc.sent()
	if len(got) != 2 || got[0] != syscall.SIGTERM || got[1] != syscall.SIGKILL {
		t.Fatalf("expected SIGTERM then SIGKILL, got %v", got)
	}
	if elapsed < GracePeriod || elapsed > 2*time.Second {
		t.Fatalf("kill happened after %s, grace period is %s", elapsed, GracePeriod)
	}
}

func TestEscalatorUnresponsiveSocketThenForcedKill(t *testing.T) {
	t.Parallel()

	ln, path := listenUnix(t)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	proc := &fakeProcess{alive: true, stubborn: true}
	e := &Escalator{SocketPath: path, Logger: quietLogger()}
	e.SetTarget(proc)

	start := time.Now()
	e.Handle(syscall.SIGINT)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("graceful step hung for %s", elapsed)
	}

	time.Sleep(time.Second)

	start = time.Now()
	e.Handle(syscall.SIGINT)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("forced step took %s", elapsed)
	}
	if proc.Alive() {
		t.Fatal("expected process to be killed")
	}
}

func TestEscalatorWithoutTarget(t *testing.T) {
	t.Parallel()

	e := &Escalator{Logger: quietLogger(), requestShutdown: func(string, time.Duration) error { return nil }}
	e.Handle(syscall.SIGINT)
	e.Handle(syscall.SIGINT)
	if e.State() != ForceRequested {
		t.Fatalf("unexpected state %s", e.State())
	}
}

func TestLaunchReportsExitCode(t *testing.T) {
	t.Parallel()

	p, err := Launch(context.Background(), "sh", []string{"-c", "exit 7"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if p.Alive() {
		t.Fatal("process should be done")
	}
	if code := p.ExitCode(); code != 7 {
		t.Fatalf("unexpected exit code %d", code)
	}
	if err := p.Signal(syscall.SIGTERM); !errors.Is(err, ErrProcessDone) {
		t.Fatalf("expected ErrProcessDone, got %v", err)
	}
}

func TestLaunchSignalledChildMapsTo128PlusSignal(t *testing.T) {
	t.Parallel()

	p, err := Launch(context.Background(), "sleep", []string{"30"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if code := p.ExitCode(); code != -1 {
		t.Fatalf("running process reported exit code %d", code)
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code := p.ExitCode(); code != 128+int(syscall.SIGTERM) {
		t.Fatalf("unexpected exit code %d", code)
	}
}

func TestLaunchCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Launch(ctx, "true", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// startReaped starts a sleep and reaps it in the background, the way init
// reaps the jailer's orphaned child.
func startReaped(t *testing.T) (pid int, exited <-chan struct{}) {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-done
	})
	return cmd.Process.Pid, done
}

func TestAdoptedProcessLifecycle(t *testing.T) {
	t.Parallel()

	pid, exited := startReaped(t)
	p, err := Adopt(pid)
	if err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	defer p.Release()

	if !p.Alive() {
		t.Fatal("adopted process should be alive")
	}
	if err := p.Signal(syscall.SIGKILL); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	<-exited

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := p.Signal(syscall.SIGTERM); !errors.Is(err, ErrProcessDone) {
		t.Fatalf("expected ErrProcessDone, got %v", err)
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestPIDProcessWaitHonoursContext(t *testing.T) {
	t.Parallel()

	pid, _ := startReaped(t)
	p := NewPIDProcess(pid)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestPIDProcessUnknownPID(t *testing.T) {
	t.Parallel()

	// Above the default pid_max of 4194304.
	p := NewPIDProcess(1 << 23)
	if p.Alive() {
		t.Fatal("pid " + strconv.Itoa(1<<23) + " should not exist")
	}
	if err := p.Signal(syscall.SIGTERM); !errors.Is(err, ErrProcessDone) {
		t.Fatalf("expected ErrProcessDone, got %v", err)
	}
}
