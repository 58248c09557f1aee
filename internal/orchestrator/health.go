package orchestrator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/anime-shed/image-orchestrator/internal/logger"
)

// StartHealthChecks probes half-open backends and purges expired cache
// entries every health-check interval until ctx is done. The interval is
// re-read after each tick, so configuration updates take effect.
func (o *Orchestrator) StartHealthChecks(ctx context.Context) {
	go func() {
		for {
			timer := o.clock.NewTimer(o.config().LoadBalancing.HealthCheckInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.Chan():
				o.healthTick(ctx)
			}
		}
	}()
}

func (o *Orchestrator) healthTick(ctx context.Context) {
	probed := o.breaker.ProbeHalfOpen(ctx)
	purged := o.cache.PurgeExpired(ctx)
	if probed > 0 || purged > 0 {
		logger.WithFields(logrus.Fields{
			"probed": probed,
			"purged": purged,
		}).Debug("health check completed")
	}
}
