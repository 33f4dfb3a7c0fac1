package queue

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Reaper periodically reclaims expired leases so tasks held by crashed
// workers become deliverable again.
type Reaper struct {
	broker   Broker
	schedule string
	cron     *cron.Cron
}

func NewReaper(broker Broker, schedule string) *Reaper {
	return &Reaper{broker: broker, schedule: schedule, cron: cron.New()}
}

func (r *Reaper) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.schedule, func() {
		n, err := r.broker.RequeueExpiredLeases(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "failed to requeue expired leases", slog.Any("error", err))
			return
		}
		if n > 0 {
			slog.InfoContext(ctx, "requeued expired leases", slog.Int64("count", n))
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}
