// Package script hosts the begin/process/end bodies of a service
// definition inside one persistent interpreter process.
//
// The interpreter is started once by Open and shared by every
// invocation, so state a body sets (shell variables, working
// directory) survives into later invocations. Bodies are fed through
// stdin and delimited by a per-invocation sentinel carrying the exit
// status; everything else the hosted script writes to stdout or
// stderr is appended to the audit log tagged "script".
//
// Run* calls must not overlap. Begin and End run strictly before and
// after the trigger sources are armed; Process invocations are
// serialized by the execution serializer.
package script

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NathanielArnoldR2/PSServiceManager/internal/audit"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/model"
)

var (
	ErrNotOpen     = errors.New("script host not open")
	ErrAlreadyOpen = errors.New("script host already open")
	ErrHostExited  = errors.New("interpreter exited")
)

// closeTimeout bounds the cooperative interpreter shutdown before the
// process is killed outright.
const closeTimeout = 5 * time.Second

// Phase names the script body an invocation executed.
type Phase string

const (
	PhaseBegin   Phase = "begin"
	PhaseProcess Phase = "process"
	PhaseEnd     Phase = "end"
)

// Error is a script body finishing with a nonzero exit status. A
// begin or end failure is fatal to the lifecycle transition that ran
// it; a process failure only loses that one invocation.
type Error struct {
	Phase  Phase
	Status int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s script failed with status %d", e.Phase, e.Status)
}

// Fatal reports whether the failure must take the service down.
func (e *Error) Fatal() bool {
	return e.Phase != PhaseProcess
}

// Host owns the persistent execution context.
type Host struct {
	interpreter string
	sink        *audit.Sink

	runMx sync.Mutex // serializes run/Close against each other

	mx     sync.Mutex // guards cmd, stdin, token
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	token  string
	status chan int
	exited chan struct{}
}

func NewHost(interpreter string, sink *audit.Sink) *Host {
	return &Host{
		interpreter: interpreter,
		sink:        sink,
	}
}

// Open starts the interpreter and wires its output streams to the
// audit sink. It must be called exactly once before any Run* call.
func (h *Host) Open() error {
	h.runMx.Lock()
	defer h.runMx.Unlock()
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.cmd != nil {
		return ErrAlreadyOpen
	}

	cmd := exec.Command(h.interpreter)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening interpreter stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening interpreter stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("opening interpreter stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting interpreter %s: %w", h.interpreter, err)
	}

	h.cmd = cmd
	h.stdin = stdin
	h.status = make(chan int, 1)
	h.exited = make(chan struct{})

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		h.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		h.readStream(stderr)
	}()
	go func() {
		readers.Wait()
		_ = cmd.Wait()
		close(h.exited)
	}()

	return nil
}

// RunBegin executes the begin body. Failure is fatal to startup.
func (h *Host) RunBegin(ctx context.Context, body string) error {
	return h.run(ctx, PhaseBegin, body, nil)
}

// RunProcess executes the process body with the trigger bound as
// input variables. Failure loses only this invocation.
func (h *Host) RunProcess(ctx context.Context, body string, ev model.TriggerEvent) error {
	return h.run(ctx, PhaseProcess, body, &ev)
}

// RunEnd executes the end body. Failure is fatal to shutdown.
func (h *Host) RunEnd(ctx context.Context, body string) error {
	return h.run(ctx, PhaseEnd, body, nil)
}

func (h *Host) run(ctx context.Context, phase Phase, body string, ev *model.TriggerEvent) error {
	h.runMx.Lock()
	defer h.runMx.Unlock()

	h.mx.Lock()
	if h.cmd == nil {
		h.mx.Unlock()
		return ErrNotOpen
	}
	token := uuid.NewString()
	h.token = token
	stdin := h.stdin
	status := h.status
	exited := h.exited
	h.mx.Unlock()

	// Drop a sentinel left over from an invocation abandoned on
	// context cancellation.
	select {
	case <-status:
	default:
	}

	if _, err := io.WriteString(stdin, invocation(token, body, ev)); err != nil {
		return fmt.Errorf("writing %s script: %w", phase, err)
	}

	select {
	case st := <-status:
		if st != 0 {
			return &Error{Phase: phase, Status: st}
		}
		return nil
	case <-exited:
		return fmt.Errorf("%s script: %w", phase, ErrHostExited)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the interpreter by closing its stdin and waiting for it
// to exit, killing it only past closeTimeout. Must be called exactly
// once after RunEnd (or after a fatal startup failure).
func (h *Host) Close() error {
	h.runMx.Lock()
	defer h.runMx.Unlock()

	h.mx.Lock()
	if h.cmd == nil {
		h.mx.Unlock()
		return nil
	}
	cmd := h.cmd
	stdin := h.stdin
	exited := h.exited
	h.cmd = nil
	h.stdin = nil
	h.mx.Unlock()

	_ = stdin.Close()
	select {
	case <-exited:
		return nil
	case <-time.After(closeTimeout):
		_ = cmd.Process.Kill()
		<-exited
		return fmt.Errorf("interpreter did not exit within %s, killed", closeTimeout)
	}
}

// readStdout routes hosted-script output to the audit sink and picks
// out the sentinel line that closes each invocation.
func (h *Host) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if st, ok := h.sentinelStatus(line); ok {
			h.status <- st
			continue
		}
		_ = h.sink.Append(model.OriginScript, line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		_ = h.sink.Appendf(model.OriginScript, "reading interpreter stdout: %v", err)
	}
}

func (h *Host) readStream(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		_ = h.sink.Append(model.OriginScript, scanner.Text())
	}
}

func (h *Host) sentinelStatus(line string) (int, bool) {
	h.mx.Lock()
	token := h.token
	h.mx.Unlock()
	if token == "" {
		return 0, false
	}
	rest, ok := strings.CutPrefix(line, token+" ")
	if !ok {
		return 0, false
	}
	st, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}
	return st, true
}

// invocation renders one script body as interpreter input. The body
// is captured verbatim through a quoted heredoc and run with eval so
// a malformed body reports a nonzero status instead of tearing down
// the interpreter, then the sentinel line reports $?.
func invocation(token, body string, ev *model.TriggerEvent) string {
	var b strings.Builder
	if ev != nil {
		fmt.Fprintf(&b, "PSSVC_TRIGGER=%s\n", singleQuote(ev.Kind.String()))
		fmt.Fprintf(&b, "PSSVC_SEQUENCE=%s\n", singleQuote(strconv.FormatUint(ev.Sequence, 10)))
		fmt.Fprintf(&b, "PSSVC_MESSAGE=%s\n", singleQuote(ev.Message))
	}
	delim := "__PSSVC_" + strings.ReplaceAll(token, "-", "")
	fmt.Fprintf(&b, "__pssvc_body=$(cat <<'%s'\n", delim)
	b.WriteString(body)
	if body != "" && !strings.HasSuffix(body, "\n") {
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%s\n)\n", delim)
	b.WriteString("eval \"$__pssvc_body\"\n")
	fmt.Fprintf(&b, "printf '%%s %%s\\n' %s \"$?\"\n", singleQuote(token))
	return b.String()
}

func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
