package invoice

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RunSweeper expires overdue Pending invoices every interval until ctx is
// done. notify, if set, is called for each invoice it expires.
func RunSweeper(ctx context.Context, l *Ledger, interval time.Duration, notify func(*Invoice), log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("invoice sweeper started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			log.Info("invoice sweeper stopped")
			return
		case <-ticker.C:
			sweep(ctx, l, notify, log)
		}
	}
}

func sweep(ctx context.Context, l *Ledger, notify func(*Invoice), log *zap.Logger) int {
	overdue, err := l.Overdue(ctx)
	if err != nil {
		log.Error("sweeper: list overdue", zap.Error(err))
		return 0
	}
	n := 0
	for _, inv := range overdue {
		expired, err := l.Expire(ctx, inv.ID)
		if errors.Is(err, ErrNotPending) {
			// paid or canceled since the listing
			continue
		}
		if err != nil {
			log.Error("sweeper: expire", zap.String("invoice", inv.ID), zap.Error(err))
			continue
		}
		n++
		if notify != nil {
			notify(expired)
		}
	}
	if n > 0 {
		log.Info("invoices expired", zap.Int("count", n))
	}
	return n
}
