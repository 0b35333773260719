// Package agent implements the inbound control channel of a hosted
// service: a unix-domain socket named svcPipe_<Name> that accepts one
// connection at a time, reads one newline-terminated UTF-8 line, and
// surfaces it as a message trigger.
//
// Write access is restricted to the principals listed in the service
// definition, resolved to numeric UIDs at arm time and enforced per
// connection through SO_PEERCRED. Root and the hosting UID are always
// allowed. Every other peer is denied and the connection closed
// without reading.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/NathanielArnoldR2/PSServiceManager/internal/audit"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/model"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/trigger"
)

var ErrNotListening = errors.New("agent not listening")

// readTimeout bounds how long one accepted connection may take to
// deliver its line before the agent returns to accepting.
const readTimeout = 30 * time.Second

// Agent is the message trigger source.
type Agent struct {
	socketPath string
	allowed    map[uint32]struct{}
	serializer *trigger.Serializer
	sink       *audit.Sink

	mx       sync.Mutex
	listener net.Listener
	conn     net.Conn
	closed   bool
}

// New resolves the definition's access principals. The socket is not
// bound yet; Listen does that.
func New(def *model.Definition, serializer *trigger.Serializer, sink *audit.Sink) (*Agent, error) {
	allowed, err := resolvePrincipals(def.MessageWriteAccessPrincipals)
	if err != nil {
		return nil, err
	}
	return &Agent{
		socketPath: SocketPath(def.DataPath, def.Name),
		allowed:    allowed,
		serializer: serializer,
		sink:       sink,
	}, nil
}

// SocketPath returns the filesystem path of the control channel for a
// service; senders outside the process derive the same path.
func SocketPath(dataPath, name string) string {
	return filepath.Join(dataPath, "svcPipe_"+name)
}

// Listen binds the control socket. It returns only once the listener
// accepts connections, which is what the lifecycle controller waits
// on before declaring the service running. A bind failure here is a
// startup configuration error.
func (a *Agent) Listen() error {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.closed {
		return ErrNotListening
	}

	if err := os.MkdirAll(filepath.Dir(a.socketPath), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	// Remove a stale socket from a previous run.
	if err := os.Remove(a.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing existing control socket: %w", err)
	}

	listener, err := net.Listen("unix", a.socketPath)
	if err != nil {
		return fmt.Errorf("creating control socket at %s: %w", a.socketPath, err)
	}
	if err := os.Chmod(a.socketPath, 0o660); err != nil {
		_ = listener.Close()
		return fmt.Errorf("restricting control socket mode: %w", err)
	}

	a.listener = listener
	return nil
}

// Serve accepts connections one at a time until Close. The listener
// stays perpetually bound; concurrent dials wait in the kernel
// backlog, so no message is lost to a rebind window. Transient accept
// and read errors are logged and the loop re-accepts.
func (a *Agent) Serve(ctx context.Context) error {
	a.mx.Lock()
	listener := a.listener
	a.mx.Unlock()
	if listener == nil {
		return ErrNotListening
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.ErrorContext(ctx, "accepting control connection", "error", err)
			continue
		}

		a.mx.Lock()
		if a.closed {
			a.mx.Unlock()
			_ = conn.Close()
			return nil
		}
		a.conn = conn
		a.mx.Unlock()

		a.handle(ctx, conn)

		a.mx.Lock()
		a.conn = nil
		a.mx.Unlock()
	}
}

// handle services one accepted connection: peer check, one line,
// submit, close.
func (a *Agent) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	uid, err := peerUID(conn)
	if err != nil {
		slog.ErrorContext(ctx, "reading peer credentials", "error", err)
		return
	}
	if !a.allowedUID(uid) {
		_ = a.sink.Appendf(model.OriginController, "denied control message from uid %d", uid)
		slog.WarnContext(ctx, "control connection denied", "uid", uid)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		slog.ErrorContext(ctx, "reading control message", "error", err)
		return
	}
	text := strings.TrimRight(line, "\r\n")

	slog.DebugContext(ctx, "control message received", "text", text, "uid", uid)
	err = a.serializer.Submit(ctx, model.MessageEvent(text))
	if err != nil && !errors.Is(err, trigger.ErrSerializerClosed) && !errors.Is(err, context.Canceled) {
		slog.ErrorContext(ctx, "message trigger not executed", "text", text, "error", err)
	}
}

// Close unblocks a pending Accept or read by closing the listening
// socket and any live connection, then removes the socket file. Serve
// returns without accepting further connections.
func (a *Agent) Close() error {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
	}
	if a.listener != nil {
		errs = append(errs, a.listener.Close())
		if err := os.Remove(a.socketPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Agent) allowedUID(uid uint32) bool {
	if uid == 0 || uid == uint32(os.Getuid()) {
		return true
	}
	_, ok := a.allowed[uid]
	return ok
}

// resolvePrincipals maps user names (or numeric UID strings) to UIDs.
// An unknown principal is a configuration error at arm time, not a
// silently empty allow-list.
func resolvePrincipals(principals []string) (map[uint32]struct{}, error) {
	allowed := make(map[uint32]struct{}, len(principals))
	for _, p := range principals {
		if n, err := strconv.ParseUint(p, 10, 32); err == nil {
			allowed[uint32(n)] = struct{}{}
			continue
		}
		u, err := user.Lookup(p)
		if err != nil {
			return nil, fmt.Errorf("resolving principal %q: %w", p, err)
		}
		n, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("principal %q has non-numeric uid %q", p, u.Uid)
		}
		allowed[uint32(n)] = struct{}{}
	}
	return allowed, nil
}

// peerUID reads the connecting process's UID via SO_PEERCRED.
func peerUID(conn net.Conn) (uint32, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("control connection is %T, not unix", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, credErr
	}
	return cred.Uid, nil
}
