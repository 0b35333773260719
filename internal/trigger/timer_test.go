package trigger_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/NathanielArnoldR2/PSServiceManager/internal/audit"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/model"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/trigger"
	"github.com/stretchr/testify/require"
)

func timerDefinition(intervalMs int) *model.Definition {
	return &model.Definition{
		Name:            "demo",
		Interpreter:     "/bin/sh",
		ProcessOnTimer:  true,
		TimerIntervalMs: intervalMs,
	}
}

// Cadence: sequence numbers are strictly increasing from 1 with no
// duplicates or gaps, and the count matches the observation window.
func TestTimerCadence(t *testing.T) {
	t.Parallel()

	var mx sync.Mutex
	var got []uint64
	run := func(ctx context.Context, ev model.TriggerEvent) error {
		require.Equal(t, model.TriggerTimer, ev.Kind)
		mx.Lock()
		got = append(got, ev.Sequence)
		mx.Unlock()
		return nil
	}

	s := trigger.NewSerializer(run, audit.NewWriterSink(&bytes.Buffer{}))
	var serve sync.WaitGroup
	serve.Go(func() {
		require.NoError(t, s.Serve(t.Context()))
	})

	timer, err := trigger.NewTimer(t.Context(), timerDefinition(50), s)
	require.NoError(t, err)
	timer.Start()

	time.Sleep(500 * time.Millisecond)
	require.NoError(t, timer.Stop())

	s.Close()
	serve.Wait()

	mx.Lock()
	defer mx.Unlock()
	require.NotEmpty(t, got)
	require.InDelta(t, 10, len(got), 3)
	for i, seq := range got {
		require.EqualValues(t, i+1, seq)
	}
	require.Equal(t, uint64(len(got)), timer.Sequence())
}

// A tick firing while the previous invocation is still in flight is
// queued, not dropped.
func TestTimerTicksQueueBehindSlowInvocation(t *testing.T) {
	t.Parallel()

	var mx sync.Mutex
	var got []uint64
	run := func(ctx context.Context, ev model.TriggerEvent) error {
		mx.Lock()
		got = append(got, ev.Sequence)
		mx.Unlock()
		time.Sleep(120 * time.Millisecond) // several ticks long
		return nil
	}

	s := trigger.NewSerializer(run, audit.NewWriterSink(&bytes.Buffer{}))
	var serve sync.WaitGroup
	serve.Go(func() {
		require.NoError(t, s.Serve(t.Context()))
	})

	timer, err := trigger.NewTimer(t.Context(), timerDefinition(30), s)
	require.NoError(t, err)
	timer.Start()

	time.Sleep(400 * time.Millisecond)
	require.NoError(t, timer.Stop())

	s.Close()
	serve.Wait()

	mx.Lock()
	defer mx.Unlock()
	// More ticks fired than invocations could complete during the
	// window; the queued ones still ran, in order.
	require.GreaterOrEqual(t, len(got), 3)
	for i, seq := range got {
		require.EqualValues(t, i+1, seq)
	}
}

func TestTimerFromSchedule(t *testing.T) {
	t.Parallel()

	schedule := "@every 1h"
	def := &model.Definition{
		Name:           "demo",
		Interpreter:    "/bin/sh",
		ProcessOnTimer: true,
		Schedule:       &schedule,
	}

	s := trigger.NewSerializer(func(ctx context.Context, ev model.TriggerEvent) error {
		return nil
	}, audit.NewWriterSink(&bytes.Buffer{}))

	timer, err := trigger.NewTimer(t.Context(), def, s)
	require.NoError(t, err)
	timer.Start()
	require.NoError(t, timer.Stop())
	s.Close()
	require.NoError(t, s.Serve(t.Context()))
}

func TestTimerRejectsEmptyCadence(t *testing.T) {
	t.Parallel()

	s := trigger.NewSerializer(func(ctx context.Context, ev model.TriggerEvent) error {
		return nil
	}, audit.NewWriterSink(&bytes.Buffer{}))
	defer s.Close()

	_, err := trigger.NewTimer(t.Context(), timerDefinition(0), s)
	require.Error(t, err)
}
