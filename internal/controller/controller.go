package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NathanielArnoldR2/PSServiceManager/internal/agent"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/audit"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/model"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/script"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/status"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/trigger"
)

// DefaultWaitHint must stay below the service manager's forced
// termination threshold (systemd defaults to 90s).
const DefaultWaitHint = 20 * time.Second

// Controller drives one hosted service through its lifecycle.
type Controller struct {
	def      *model.Definition
	reporter status.Reporter
	waitHint time.Duration

	sink       *audit.Sink
	ownSink    bool
	host       *script.Host
	serializer *trigger.Serializer
	timer      *trigger.Timer
	agent      *agent.Agent

	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc

	mx         sync.Mutex
	state      status.State
	checkpoint uint32
}

type Option func(*Controller)

// WithWaitHint overrides the pending-state wait hint.
func WithWaitHint(d time.Duration) Option {
	return func(c *Controller) { c.waitHint = d }
}

// WithSink routes the audit log to an existing sink instead of a
// fresh file under the definition's log path.
func WithSink(sink *audit.Sink) Option {
	return func(c *Controller) { c.sink = sink }
}

func New(def *model.Definition, reporter status.Reporter, opts ...Option) *Controller {
	c := &Controller{
		def:      def,
		reporter: reporter,
		waitHint: DefaultWaitHint,
		state:    status.Init,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start walks the startup sequence: audit sink, script host, begin
// body, trigger sources, in that order. Any failure is fatal — the
// error is logged, a terminal Stopped record with a nonzero exit code
// is pushed, and the error returned to the OS start call.
func (c *Controller) Start(ctx context.Context) error {
	c.report(status.StartPending, status.ExitOK, c.waitHint)

	if c.sink == nil {
		sink, err := audit.Open(c.def.LogPath, c.def.Name, time.Now())
		if err != nil {
			return c.failStart(ctx, fmt.Errorf("opening audit log: %w", err))
		}
		c.sink = sink
		c.ownSink = true
	}
	_ = c.sink.Appendf(model.OriginController, "service %s starting", c.def.Name)

	c.host = script.NewHost(c.def.Interpreter, c.sink)
	if err := c.host.Open(); err != nil {
		return c.failStart(ctx, fmt.Errorf("opening script host: %w", err))
	}

	if c.def.Begin != "" {
		_ = c.sink.Append(model.OriginController, "executing begin script")
		if err := c.host.RunBegin(ctx, c.def.Begin); err != nil {
			return c.failStart(ctx, fmt.Errorf("begin script: %w", err))
		}
	} else {
		_ = c.sink.Append(model.OriginController, "no begin script defined")
	}

	// Sources and the serializer outlive ctx; Stop tears them down.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.group, c.groupCtx = errgroup.WithContext(runCtx)

	c.serializer = trigger.NewSerializer(c.runProcess, c.sink)
	serializer := c.serializer
	c.group.Go(func() error {
		return serializer.Serve(runCtx)
	})

	if c.def.ProcessOnTimer {
		timer, err := trigger.NewTimer(runCtx, c.def, c.serializer)
		if err != nil {
			return c.failStart(ctx, fmt.Errorf("arming timer: %w", err))
		}
		c.timer = timer
		c.timer.Start()
		interval, _ := c.def.TimerInterval()
		_ = c.sink.Appendf(model.OriginController, "timer armed, interval %s", interval)
	}

	if c.def.ProcessOnMessage {
		a, err := agent.New(c.def, c.serializer, c.sink)
		if err != nil {
			return c.failStart(ctx, fmt.Errorf("arming message agent: %w", err))
		}
		c.agent = a
		// Listen returns once the socket accepts connections; only
		// then is the service declared running.
		if err := a.Listen(); err != nil {
			return c.failStart(ctx, fmt.Errorf("arming message agent: %w", err))
		}
		c.group.Go(func() error {
			return a.Serve(runCtx)
		})
		_ = c.sink.Appendf(model.OriginController, "control pipe %s listening", c.def.PipeName())
	}

	c.report(status.Running, status.ExitOK, 0)
	_ = c.sink.Append(model.OriginController, "service running")
	return nil
}

// Stop walks the shutdown sequence: disarm sources, wait (bounded by
// the wait hint) for the in-flight invocation, run the end body,
// close the host. An end-script failure yields a nonzero exit code
// but never prevents process exit.
func (c *Controller) Stop(ctx context.Context) error {
	c.report(status.StopPending, status.ExitOK, c.waitHint)
	_ = c.sink.Append(model.OriginController, "service stopping")

	if c.timer != nil {
		if err := c.timer.Stop(); err != nil {
			slog.ErrorContext(ctx, "stopping timer", "error", err)
		}
	}
	if c.agent != nil {
		if err := c.agent.Close(); err != nil {
			slog.ErrorContext(ctx, "closing message agent", "error", err)
		}
	}
	c.serializer.Close()

	done := make(chan error, 1)
	go func() { done <- c.group.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			_ = c.sink.Appendf(model.OriginController, "trigger processing ended with error: %v", err)
			slog.ErrorContext(ctx, "trigger processing ended with error", "error", err)
		}
	case <-time.After(c.waitHint):
		// Not an error: the invocation keeps running and the script
		// host still excludes end from overlapping it.
		_ = c.sink.Append(model.OriginController, "warning: in-flight process invocation exceeded stop wait hint, proceeding")
		slog.WarnContext(ctx, "in-flight process invocation exceeded stop wait hint", "wait_hint", c.waitHint)
	}

	var endErr error
	if c.def.End != "" {
		_ = c.sink.Append(model.OriginController, "executing end script")
		endErr = c.host.RunEnd(ctx, c.def.End)
		if endErr != nil {
			_ = c.sink.Appendf(model.OriginController, "end script failed: %v", endErr)
		}
	} else {
		_ = c.sink.Append(model.OriginController, "no end script defined")
	}

	if err := c.host.Close(); err != nil {
		_ = c.sink.Appendf(model.OriginController, "closing script host: %v", err)
		slog.ErrorContext(ctx, "closing script host", "error", err)
	}
	c.cancel()

	if endErr != nil {
		c.report(status.Stopped, status.ExitStopFailure, 0)
		c.closeSink()
		return fmt.Errorf("end script: %w", endErr)
	}

	_ = c.sink.Append(model.OriginController, "service stopped")
	c.report(status.Stopped, status.ExitOK, 0)
	c.closeSink()
	return nil
}

// Run hosts the service until ctx is cancelled or a fatal runtime
// error occurs, then stops it. The usual entrypoint.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-c.groupCtx.Done():
		// A source or the serializer failed fatally; shut down.
	}
	return c.Stop(context.WithoutCancel(ctx))
}

// State returns the current lifecycle state.
func (c *Controller) State() status.State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

func (c *Controller) runProcess(ctx context.Context, ev model.TriggerEvent) error {
	return c.host.RunProcess(ctx, c.def.Process, ev)
}

// failStart tears down whatever Start already built, pushes the
// terminal failure status, and hands the error back to the OS caller.
func (c *Controller) failStart(ctx context.Context, err error) error {
	slog.ErrorContext(ctx, "service start failed", "error", err)
	if c.sink != nil {
		_ = c.sink.Appendf(model.OriginController, "start failed: %v", err)
	}

	if c.timer != nil {
		_ = c.timer.Stop()
	}
	if c.agent != nil {
		_ = c.agent.Close()
	}
	if c.serializer != nil {
		c.serializer.Close()
	}
	if c.cancel != nil {
		c.cancel()
		_ = c.group.Wait()
	}
	if c.host != nil {
		_ = c.host.Close()
	}

	c.report(status.Stopped, status.ExitStartFailure, 0)
	c.closeSink()
	return err
}

func (c *Controller) report(st status.State, exitCode int, waitHint time.Duration) {
	c.mx.Lock()
	c.state = st
	c.checkpoint++
	rec := status.Record{
		State:      st,
		ExitCode:   exitCode,
		Checkpoint: c.checkpoint,
		WaitHint:   waitHint,
	}
	c.mx.Unlock()

	if err := c.reporter.Report(rec); err != nil {
		slog.Error("reporting service status", "state", st.String(), "error", err)
	}
}

func (c *Controller) closeSink() {
	if c.ownSink && c.sink != nil {
		if err := c.sink.Close(); err != nil && !errors.Is(err, audit.ErrClosed) {
			slog.Error("closing audit log", "error", err)
		}
	}
}
