package status

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// NotifyReporter speaks the systemd notification protocol: one
// datagram per status record on the socket named by NOTIFY_SOCKET.
// The unit must declare Type=notify for the manager to honor it.
type NotifyReporter struct {
	addr string
}

// NewNotifyReporter returns the reporter for the current process, or
// ok=false when no service manager is listening.
func NewNotifyReporter() (*NotifyReporter, bool) {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return nil, false
	}
	return &NotifyReporter{addr: addr}, true
}

// NewNotifyReporterAddr reports to an explicit socket. For tests.
func NewNotifyReporterAddr(addr string) *NotifyReporter {
	return &NotifyReporter{addr: addr}
}

func (r *NotifyReporter) Report(rec Record) error {
	var lines []string
	switch rec.State {
	case StartPending:
		lines = append(lines, "STATUS=start pending")
	case Running:
		lines = append(lines, "READY=1", "STATUS=running")
	case StopPending:
		lines = append(lines, "STOPPING=1", "STATUS=stop pending")
	case Stopped:
		if rec.ExitCode != 0 {
			lines = append(lines, fmt.Sprintf("STATUS=stopped (exit code %d)", rec.ExitCode))
		} else {
			lines = append(lines, "STATUS=stopped")
		}
	default:
		lines = append(lines, "STATUS="+rec.State.String())
	}
	if rec.WaitHint > 0 {
		lines = append(lines, fmt.Sprintf("EXTEND_TIMEOUT_USEC=%d", rec.WaitHint.Microseconds()))
	}

	return r.send(strings.Join(lines, "\n"))
}

func (r *NotifyReporter) send(state string) error {
	addr := r.addr
	// Abstract socket addresses arrive with a leading @.
	if strings.HasPrefix(addr, "@") {
		addr = "\x00" + addr[1:]
	}

	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("dialing notify socket: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("sending notify datagram: %w", err)
	}
	return nil
}
