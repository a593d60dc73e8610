package supervisor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
)

// SocketTimeout bounds every step of a shutdown request.
const SocketTimeout = 100 * time.Millisecond

// shutdownRequest is written to the API socket verbatim. Firecracker only
// needs the request line and a body, so the framing is fixed instead of
// going through an HTTP client.
var shutdownRequest = func() string {
	body := fmt.Sprintf(`{"action_type": %q}`, models.InstanceActionInfoActionTypeSendCtrlAltDel)
	return "PUT /actions HTTP/1.0\r\n" +
		"Content-Type: application/json\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n", len(body)) +
		"\r\n" +
		body
}()

// RequestShutdown asks the guest to shut down by injecting Ctrl+Alt+Del
// through the Firecracker API socket. The response is drained and
// discarded.
func RequestShutdown(socketPath string, timeout time.Duration) error {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := io.WriteString(conn, shutdownRequest); err != nil {
		return fmt.Errorf("send shutdown request to %s: %w", socketPath, err)
	}

	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("no response on %s within %s: %w", socketPath, timeout, err)
			}
			return fmt.Errorf("read shutdown response from %s: %w", socketPath, err)
		}
		if n < len(buf) {
			return nil
		}
	}
}
