package controller_test

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/NathanielArnoldR2/PSServiceManager/internal/agent"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/audit"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/controller"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/model"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/status"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func shPath(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func requireStates(t *testing.T, reporter *status.Recorder, want ...status.State) {
	t.Helper()
	var got []status.State
	for _, rec := range reporter.Records() {
		got = append(got, rec.State)
	}
	require.Equal(t, want, got)
}

func TestControllerRoundTrip(t *testing.T) {
	t.Parallel()

	def := &model.Definition{
		Name:                         "demo",
		DataPath:                     t.TempDir(),
		Interpreter:                  shPath(t),
		Begin:                        `echo "begin entry"`,
		Process:                      `echo "process entry $PSSVC_TRIGGER $PSSVC_MESSAGE"`,
		End:                          `echo "end entry"`,
		ProcessOnMessage:             true,
		MessageWriteAccessPrincipals: []string{strconv.Itoa(os.Getuid())},
	}

	var buf bytes.Buffer
	reporter := status.NewRecorder()
	ctrl := controller.New(def, reporter,
		controller.WithSink(audit.NewWriterSink(&buf)),
		controller.WithWaitHint(5*time.Second),
	)

	require.NoError(t, ctrl.Start(t.Context()))
	require.Equal(t, status.Running, ctrl.State())

	socketPath := agent.SocketPath(def.DataPath, def.Name)
	require.NoError(t, agent.Send(socketPath, "PING"))
	require.NoError(t, agent.Send(socketPath, "PONG"))

	// Both invocations land before Stop: poll the audit log.
	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "process entry message PONG")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, ctrl.Stop(context.Background()))
	require.Equal(t, status.Stopped, ctrl.State())

	requireStates(t, reporter,
		status.StartPending, status.Running, status.StopPending, status.Stopped)
	last := reporter.Last()
	require.Equal(t, status.ExitOK, last.ExitCode)
	require.Zero(t, last.WaitHint)

	// Log ordering: begin entries, then each process invocation in
	// submission order, then end entries, with the right origin tags.
	out := buf.String()
	beginAt := strings.Index(out, "begin entry")
	firstAt := strings.Index(out, "process entry message PING")
	secondAt := strings.Index(out, "process entry message PONG")
	endAt := strings.Index(out, "end entry")
	require.GreaterOrEqual(t, beginAt, 0)
	require.Less(t, beginAt, firstAt)
	require.Less(t, firstAt, secondAt)
	require.Less(t, secondAt, endAt)

	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if strings.Contains(line, "entry") {
			require.Contains(t, line, "|     script |")
		}
	}
	require.Contains(t, out, "| controller | service running")
}

func TestControllerTimerTriggers(t *testing.T) {
	t.Parallel()

	def := &model.Definition{
		Name:            "ticker",
		DataPath:        t.TempDir(),
		Interpreter:     shPath(t),
		Process:         `echo "tick $PSSVC_SEQUENCE"`,
		ProcessOnTimer:  true,
		TimerIntervalMs: 50,
	}

	var buf bytes.Buffer
	reporter := status.NewRecorder()
	ctrl := controller.New(def, reporter, controller.WithSink(audit.NewWriterSink(&buf)))

	require.NoError(t, ctrl.Start(t.Context()))
	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "tick 3")
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, ctrl.Stop(context.Background()))

	// Strictly increasing from 1, no duplicates or gaps.
	out := buf.String()
	require.Contains(t, out, "tick 1")
	require.Contains(t, out, "tick 2")
	require.Less(t, strings.Index(out, "tick 1"), strings.Index(out, "tick 2"))
	require.Less(t, strings.Index(out, "tick 2"), strings.Index(out, "tick 3"))
}

func TestControllerBeginFailure(t *testing.T) {
	t.Parallel()

	def := &model.Definition{
		Name:            "broken",
		DataPath:        t.TempDir(),
		Interpreter:     shPath(t),
		Begin:           "false",
		Process:         "echo unreachable",
		ProcessOnTimer:  true,
		TimerIntervalMs: 1000,
	}

	var buf bytes.Buffer
	reporter := status.NewRecorder()
	ctrl := controller.New(def, reporter, controller.WithSink(audit.NewWriterSink(&buf)))

	err := ctrl.Start(t.Context())
	require.Error(t, err)
	require.Contains(t, err.Error(), "begin script")

	// Never reached Running; terminal Stopped with a nonzero code.
	requireStates(t, reporter, status.StartPending, status.Stopped)
	require.Equal(t, status.ExitStartFailure, reporter.Last().ExitCode)
	require.NotContains(t, buf.String(), "unreachable")
	require.Contains(t, buf.String(), "start failed")
}

func TestControllerEndFailure(t *testing.T) {
	t.Parallel()

	def := &model.Definition{
		Name:            "badend",
		DataPath:        t.TempDir(),
		Interpreter:     shPath(t),
		Process:         "true",
		End:             "(exit 9)",
		ProcessOnTimer:  true,
		TimerIntervalMs: 60000,
	}

	reporter := status.NewRecorder()
	ctrl := controller.New(def, reporter,
		controller.WithSink(audit.NewWriterSink(&bytes.Buffer{})))

	require.NoError(t, ctrl.Start(t.Context()))
	err := ctrl.Stop(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "end script")

	// Shutdown failure does not prevent process exit; it only turns
	// the exit code nonzero.
	require.Equal(t, status.Stopped, ctrl.State())
	require.Equal(t, status.ExitStopFailure, reporter.Last().ExitCode)
}

// Stop while an invocation is in flight: end waits for it, and never
// runs concurrently with process.
func TestControllerStopWaitsForInFlight(t *testing.T) {
	t.Parallel()

	def := &model.Definition{
		Name:                         "slow",
		DataPath:                     t.TempDir(),
		Interpreter:                  shPath(t),
		Process:                      `sleep 1; echo "process done"`,
		End:                          `echo "end done"`,
		ProcessOnMessage:             true,
		MessageWriteAccessPrincipals: []string{strconv.Itoa(os.Getuid())},
	}

	var buf bytes.Buffer
	reporter := status.NewRecorder()
	ctrl := controller.New(def, reporter,
		controller.WithSink(audit.NewWriterSink(&buf)),
		controller.WithWaitHint(10*time.Second),
	)

	require.NoError(t, ctrl.Start(t.Context()))
	require.NoError(t, agent.Send(agent.SocketPath(def.DataPath, def.Name), "go"))

	// Give the invocation time to start, then stop underneath it.
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, ctrl.Stop(context.Background()))

	out := buf.String()
	require.Contains(t, out, "process done")
	require.Contains(t, out, "end done")
	require.Less(t, strings.Index(out, "process done"), strings.Index(out, "end done"))
}

func TestControllerStopWaitHintExceeded(t *testing.T) {
	t.Parallel()

	def := &model.Definition{
		Name:                         "sluggish",
		DataPath:                     t.TempDir(),
		Interpreter:                  shPath(t),
		Process:                      `sleep 2; echo "process done"`,
		End:                          `echo "end done"`,
		ProcessOnMessage:             true,
		MessageWriteAccessPrincipals: []string{strconv.Itoa(os.Getuid())},
	}

	var buf bytes.Buffer
	ctrl := controller.New(def, status.NewRecorder(),
		controller.WithSink(audit.NewWriterSink(&buf)),
		controller.WithWaitHint(200*time.Millisecond),
	)

	require.NoError(t, ctrl.Start(t.Context()))
	require.NoError(t, agent.Send(agent.SocketPath(def.DataPath, def.Name), "go"))
	time.Sleep(300 * time.Millisecond)

	require.NoError(t, ctrl.Stop(context.Background()))

	// The wait hint elapsed, a warning was logged, and end still ran
	// after the invocation (the script host serializes them).
	out := buf.String()
	require.Contains(t, out, "exceeded stop wait hint")
	require.Contains(t, out, "end done")
	require.Less(t, strings.Index(out, "process done"), strings.Index(out, "end done"))
}

func TestControllerProcessFailureKeepsRunning(t *testing.T) {
	t.Parallel()

	def := &model.Definition{
		Name:                         "resilient",
		DataPath:                     t.TempDir(),
		Interpreter:                  shPath(t),
		Process:                      `if [ "$PSSVC_MESSAGE" = "boom" ]; then false; else echo "handled $PSSVC_MESSAGE"; fi`,
		ProcessOnMessage:             true,
		MessageWriteAccessPrincipals: []string{strconv.Itoa(os.Getuid())},
	}

	var buf bytes.Buffer
	ctrl := controller.New(def, status.NewRecorder(),
		controller.WithSink(audit.NewWriterSink(&buf)))

	require.NoError(t, ctrl.Start(t.Context()))
	socketPath := agent.SocketPath(def.DataPath, def.Name)

	require.NoError(t, agent.Send(socketPath, "boom"))
	require.NoError(t, agent.Send(socketPath, "next"))

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "handled next")
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, status.Running, ctrl.State())

	require.NoError(t, ctrl.Stop(context.Background()))
	require.Contains(t, buf.String(), `process invocation for message "boom" failed`)
}
