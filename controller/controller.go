// Package controller wires the store, broker and supervisor loops into one
// leader-elected process.
package controller

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/philiplau114/PocketFlowProject/broker"
	"github.com/philiplau114/PocketFlowProject/config"
	"github.com/philiplau114/PocketFlowProject/db"
	"github.com/philiplau114/PocketFlowProject/errors"
	"github.com/philiplau114/PocketFlowProject/ingest"
	"github.com/philiplau114/PocketFlowProject/notify"
	"github.com/philiplau114/PocketFlowProject/reoptimizer"
	"github.com/philiplau114/PocketFlowProject/scheduler"
	"github.com/philiplau114/PocketFlowProject/store"
	"github.com/philiplau114/PocketFlowProject/watchdog"
)

// Controller owns the full control plane lifecycle
type Controller struct {
	cfg config.Config
	log *zap.SugaredLogger
}

// New creates a Controller
func New(cfg config.Config, log *zap.SugaredLogger) *Controller {
	return &Controller{cfg: cfg, log: log}
}

// Run starts the control plane and blocks until ctx is cancelled or the
// leader lease is lost. Losing the lease is an error: the process must exit
// so a healthy replica can take over cleanly.
func (c *Controller) Run(ctx context.Context) error {
	database, err := db.Open(c.cfg.Database.Path, c.log)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.Migrate(database, c.log); err != nil {
		return err
	}

	st := store.New(database, c.log, store.WithLockRetry(
		c.cfg.Thresholds.LockRetryCount,
		time.Duration(c.cfg.Thresholds.LockRetrySleepMillis)*time.Millisecond,
	))

	br, err := broker.OpenBadger(c.cfg.Broker.Path, c.log)
	if err != nil {
		return err
	}
	defer br.Close()

	defaults := config.ThresholdsFromConfig(c.cfg.Thresholds)
	values, err := st.ThresholdValues(ctx)
	if err != nil {
		return err
	}
	holder := config.NewThresholdHolder(defaults.Override(values))

	notifier := c.buildNotifier()

	leaseTTL := time.Duration(c.cfg.Controller.LeaseTTLSeconds) * time.Second
	holderID := leaseHolderID()
	if err := c.acquireLease(ctx, br, holderID, leaseTTL); err != nil {
		return err
	}
	defer br.ReleaseLease(context.Background(), holderID)

	ingestor := ingest.New(st, holder, notifier, c.cfg.Ingest, c.cfg.Controller.UserID, c.log)
	sched := scheduler.New(st, br, holder, c.log, scheduler.WithNotifier(notifier))
	wd := watchdog.New(st, br, holder, notifier, c.log)
	reopt := reoptimizer.New(st, br, holder, c.cfg.Ingest.WatchFolder, c.cfg.Controller.UserID, c.log)
	reloader := NewReloader(st, holder, defaults, c.log)

	if err := ingestor.Start(ctx); err != nil {
		return err
	}
	reloader.Start(ctx)
	sched.Start(ctx)
	wd.Start(ctx)
	reopt.Start(ctx)

	c.log.Infow("Controller running",
		"lease_holder", holderID,
		"lease_ttl", leaseTTL,
	)

	err = c.holdLease(ctx, br, holderID, leaseTTL)

	reopt.Stop()
	wd.Stop()
	sched.Stop()
	reloader.Stop()
	ingestor.Stop()

	if err != nil {
		if errors.Is(err, errors.ErrLeaseLost) {
			notifier.Notify(context.Background(), "Controller lost leadership",
				fmt.Sprintf("lease holder %s lost the leader lease, shutting down", holderID))
		}
		return err
	}
	return nil
}

// acquireLease blocks until this process holds the leader lease
func (c *Controller) acquireLease(ctx context.Context, br broker.Broker, holderID string, ttl time.Duration) error {
	for {
		ok, err := br.AcquireLease(ctx, holderID, ttl)
		if err != nil {
			return err
		}
		if ok {
			c.log.Infow("Leader lease acquired", "holder", holderID)
			return nil
		}
		c.log.Infow("Leader lease held elsewhere, waiting", "holder", holderID)
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for leader lease")
		case <-time.After(ttl / 2):
		}
	}
}

// holdLease renews the lease until ctx ends or ownership is lost
func (c *Controller) holdLease(ctx context.Context, br broker.Broker, holderID string, ttl time.Duration) error {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := br.RenewLease(ctx, holderID, ttl); err != nil {
				return errors.Wrap(err, "renew leader lease")
			}
		}
	}
}

func (c *Controller) buildNotifier() notify.Notifier {
	channels := []notify.Notifier{notify.NewLogNotifier(c.log)}
	if smtp := notify.NewSMTPNotifier(c.cfg.Notify.SMTP); smtp.Enabled() {
		channels = append(channels, smtp)
	}
	if tg := notify.NewTelegramNotifier(c.cfg.Notify.Telegram); tg.Enabled() {
		channels = append(channels, tg)
	}
	return notify.NewMulti(c.log, channels...)
}

func leaseHolderID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8])
}
