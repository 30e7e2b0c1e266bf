package phase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/speakexam/internal/model"
)

// Action is a student or player event delivered to Run.
type Action int

const (
	ActionReady Action = iota + 1
	ActionStimulusEnded
	ActionStop
	ActionRetry
	ActionSkip
)

func (a Action) String() string {
	switch a {
	case ActionReady:
		return "ready"
	case ActionStimulusEnded:
		return "stimulus-ended"
	case ActionStop:
		return "stop"
	case ActionRetry:
		return "retry"
	case ActionSkip:
		return "skip"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Apply dispatches a to the matching controller method.
func (c *Controller) Apply(ctx context.Context, a Action) error {
	switch a {
	case ActionReady:
		return c.Ready(ctx)
	case ActionStimulusEnded:
		return c.StimulusEnded(ctx)
	case ActionStop:
		return c.Stop(ctx)
	case ActionRetry:
		return c.Retry(ctx)
	case ActionSkip:
		return c.Skip(ctx)
	}
	return fmt.Errorf("unknown action %d", int(a))
}

func ticking(p model.Phase) bool {
	return p == model.PhaseReading || p == model.PhaseAnswering
}

// Run starts the session and drives it with one-second ticks and actions
// until it completes, ctx is done, or actions is closed. Capture is aborted
// on early return.
func (c *Controller) Run(ctx context.Context, actions <-chan Action) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	var (
		tick     <-chan time.Time
		tickedAt int
		tickedOn model.Phase
	)
	for {
		s := c.Snapshot()
		if s.Completed {
			return nil
		}
		// A pending tick belongs to the phase and question that armed it.
		if !ticking(s.Phase) || s.Phase != tickedOn || s.Index != tickedAt {
			tick = nil
		}
		if ticking(s.Phase) && tick == nil {
			tick = c.clock.After(time.Second)
			tickedOn, tickedAt = s.Phase, s.Index
		}

		select {
		case <-ctx.Done():
			c.Abort()
			return ctx.Err()
		case <-tick:
			tick = nil
			c.Tick(ctx)
		case a, ok := <-actions:
			if !ok {
				c.Abort()
				return nil
			}
			if err := c.Apply(ctx, a); err != nil {
				if !errors.Is(err, ErrWrongPhase) {
					return err
				}
				c.logger.Debug("ignored action", "action", a, "phase", s.Phase)
			}
		}
	}
}
