package engine

import (
	"log"

	"github.com/robfig/cron/v3"
)

// checkpointScheduler runs Engine.Checkpoint on a CRON schedule, grounded
// on the storage core's own job scheduler (its CRON-based job path) but
// narrowed from arbitrary user-registered SQL jobs to the one fixed job
// this engine needs: a periodic checkpoint.
type checkpointScheduler struct {
	cron *cron.Cron
	eng  *Engine
}

// newCheckpointScheduler parses expr (6-field, with seconds) and registers
// a checkpoint job against eng. An empty expr disables the job entirely.
func newCheckpointScheduler(eng *Engine, expr string) (*checkpointScheduler, error) {
	if expr == "" {
		return &checkpointScheduler{eng: eng}, nil
	}
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(expr, func() {
		if err := eng.Checkpoint(); err != nil {
			log.Printf("scheduled checkpoint failed: %v", err)
		}
	}); err != nil {
		return nil, err
	}
	return &checkpointScheduler{cron: c, eng: eng}, nil
}

func (cs *checkpointScheduler) Start() {
	if cs.cron != nil {
		cs.cron.Start()
	}
}

func (cs *checkpointScheduler) Stop() {
	if cs.cron != nil {
		ctx := cs.cron.Stop()
		<-ctx.Done()
	}
}
