package agent

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// dialTimeout bounds connecting to a service's control socket.
const dialTimeout = 5 * time.Second

// Send delivers one control message to a running service: dial the
// socket, write the line, close. The trailing newline is the message
// frame; text must not contain one.
func Send(socketPath, text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return fmt.Errorf("control message must be a single line")
	}

	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return fmt.Errorf("dialing control socket %s: %w", socketPath, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if _, err := conn.Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("writing control message: %w", err)
	}
	return nil
}
