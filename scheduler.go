package luffybot

import (
	"context"
	"fmt"
	"time"
)

const (
	schedulerTick        = 250 * time.Millisecond
	schedulerMaxLaunches = 12
)

// Scheduler drains the run queue into the launcher. It wakes on its tick and
// on demand, whenever the engine signals a state change worth re-draining
// (enqueue, finalization).
type Scheduler struct {
	engine *Engine
}

func NewScheduler(engine *Engine) *Scheduler {
	return &Scheduler{engine: engine}
}

// Run loops until ctx is cancelled. A panic in one pass is caught, alerted
// and the loop continues.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.engine.Wake():
		case <-ticker.C:
		}
		s.tick(ctx)
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.engine.log.Error("scheduler tick panic", "panic", r)
			s.engine.notifier.Critical(fmt.Sprintf("queue_worker_loop error: %v", r))
		}
	}()
	s.engine.ProcessQueue(ctx, schedulerMaxLaunches)
}
