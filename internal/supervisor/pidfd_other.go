//go:build !linux

package supervisor

func PidfdSupported() bool {
	return false
}

func Adopt(pid int) (Process, error) {
	return NewPIDProcess(pid), nil
}
