package checker

import (
	"context"
	"log"
	"time"

	"rewire/internal/domain"
)

// Loop wakes on a fixed interval, enumerates enabled expectations and
// reconciles each in turn. One expectation's failure never stops the
// sweep, and shutdown waits for the in-flight expectation to finish.
type Loop struct {
	Reconciler Reconciler
	Interval   time.Duration
	Logger     *log.Logger
}

func (l Loop) logger() *log.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return log.Default()
}

// Run ticks until ctx is canceled. The first tick happens immediately.
func (l Loop) Run(ctx context.Context) {
	interval := l.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		l.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one sweep over all enabled expectations. Reconciliation of an
// expectation is never interrupted mid-flight; cancellation is observed
// between expectations.
func (l Loop) Tick(ctx context.Context) {
	exps, err := l.Reconciler.Store.ListEnabled(ctx)
	if err != nil {
		l.logger().Printf("checker: list enabled: %v", err)
		return
	}
	for _, exp := range exps {
		select {
		case <-ctx.Done():
			return
		default:
		}
		l.reconcileOne(ctx, exp)
	}
}

// reconcileOne contains failures to the single expectation: errors are
// logged, panics are recovered, and the sweep proceeds. The reconciliation
// itself runs on a non-cancelable context so shutdown never leaves an
// expectation half-reconciled; cancellation takes effect between
// expectations.
func (l Loop) reconcileOne(ctx context.Context, exp domain.Expectation) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger().Printf("checker: panic reconciling %s: %v", exp.ID, rec)
		}
	}()
	if err := l.Reconciler.Reconcile(context.WithoutCancel(ctx), exp); err != nil {
		l.logger().Printf("checker: skip %s: %v", exp.ID, err)
	}
}
