package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/NathanielArnoldR2/PSServiceManager/internal/model"
)

// Timer is the periodic trigger source. Every tick takes the next
// value of a per-process sequence counter, starting at 1, and submits
// a timer event to the serializer. A tick firing while an earlier
// invocation is still in flight queues behind it; it is never
// dropped. Stop prevents future ticks only — an event already
// submitted still runs to completion.
type Timer struct {
	scheduler  gocron.Scheduler
	serializer *Serializer
	seq        atomic.Uint64
}

// NewTimer builds the timer from the definition's cadence: a cron
// schedule when one is set, a fixed interval otherwise.
func NewTimer(ctx context.Context, def *model.Definition, serializer *Serializer) (*Timer, error) {
	t := &Timer{serializer: serializer}

	var job gocron.JobDefinition
	switch {
	case def.Schedule != nil && *def.Schedule != "":
		if _, err := model.ParseCron(*def.Schedule); err != nil {
			return nil, fmt.Errorf("parsing timer schedule: %w", err)
		}
		job = gocron.CronJob(*def.Schedule, false)
	case def.TimerIntervalMs > 0:
		interval, err := def.TimerInterval()
		if err != nil {
			return nil, fmt.Errorf("timer interval: %w", err)
		}
		job = gocron.DurationJob(interval)
	default:
		return nil, errors.New("both schedule and interval are empty")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		job,
		gocron.NewTask(func() { t.tick(ctx) }),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}

	t.scheduler = scheduler
	return t, nil
}

func (t *Timer) tick(ctx context.Context) {
	seq := t.seq.Add(1)
	err := t.serializer.Submit(ctx, model.TimerEvent(seq))
	if err != nil && !errors.Is(err, ErrSerializerClosed) && !errors.Is(err, context.Canceled) {
		slog.ErrorContext(ctx, "timer trigger not executed", "sequence", seq, "error", err)
	}
}

// Start arms the timer.
func (t *Timer) Start() {
	t.scheduler.Start()
}

// Stop disarms the timer; no further ticks fire.
func (t *Timer) Stop() error {
	return t.scheduler.Shutdown()
}

// Sequence returns the number of ticks fired so far.
func (t *Timer) Sequence() uint64 {
	return t.seq.Load()
}
