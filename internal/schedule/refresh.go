package schedule

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	appLog "slotcal/internal/log"
)

// Refresher is anything that can reload the template set.
type Refresher interface {
	Refresh(ctx context.Context) (*Snapshot, error)
}

// StartRefresher runs r.Refresh on the given cron spec (standard 5-field,
// or descriptors like "@every 10m") until ctx is done. An empty spec
// disables scheduling and returns nil, nil.
//
// Failures are logged and left for the next tick; nothing is retried early.
func StartRefresher(ctx context.Context, r Refresher, spec string, timeout time.Duration) (*cron.Cron, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		appLog.Info("schedule: periodic refresh disabled")
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		runCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if _, err := r.Refresh(runCtx); err != nil {
			appLog.Error("schedule: scheduled refresh failed", err, "spec", spec)
		}
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	appLog.Info("schedule: periodic refresh enabled", "spec", spec)

	go func() {
		<-ctx.Done()
		stopCtx := c.Stop()
		<-stopCtx.Done()
		appLog.Info("schedule: refresher stopped")
	}()
	return c, nil
}
