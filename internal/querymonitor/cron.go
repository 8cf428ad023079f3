package querymonitor

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mlgclan/perfcore/infrastructure/logging"
)

// CronJobs registers the hourly retention sweep on sched; it registers no
// other job. Callers own sched's lifecycle (Start/Stop).
func (m *Monitor) CronJobs(sched *cron.Cron, logger *logging.Logger) error {
	_, err := sched.AddFunc("@every 1h", func() {
		m.Retain(time.Now())
	})
	return err
}

// NewScheduler constructs a cron.Cron with the library's default
// minute-precision parser (no seconds field), for embedders that don't
// already run one.
func NewScheduler() *cron.Cron {
	return cron.New()
}
