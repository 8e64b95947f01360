package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/backbone/internal/api"
	"github.com/tutu-network/backbone/internal/app/audit"
	"github.com/tutu-network/backbone/internal/app/eventbus"
	"github.com/tutu-network/backbone/internal/app/ledger"
	"github.com/tutu-network/backbone/internal/app/notify"
	"github.com/tutu-network/backbone/internal/app/reactions"
	"github.com/tutu-network/backbone/internal/domain"
	"github.com/tutu-network/backbone/internal/infra/logging"
	"github.com/tutu-network/backbone/internal/infra/sink"
	"github.com/tutu-network/backbone/internal/infra/sqlite"
)

// ShutdownTimeout bounds the drain of the bus and the aggregator on exit.
const ShutdownTimeout = 10 * time.Second

// Daemon owns every component of one backbone process.
type Daemon struct {
	cfg    Config
	logger *zap.Logger

	DB        *sqlite.DB
	Bus       *eventbus.Bus
	Ledger    *ledger.Ledger
	Notify    *notify.Aggregator
	Auditor   *audit.Auditor
	Scheduler *audit.Scheduler
	API       *api.Server
}

// New opens storage and wires the components. Nothing runs in the
// background until Run, except bus subscribers and notification timers.
func New(cfg Config, logger *zap.Logger) (*Daemon, error) {
	logger = logging.OrNop(logger)

	if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg, logger: logger.Named("daemon"), DB: db}
	d.Bus = eventbus.New(cfg.busConfig(), logger)
	d.Ledger = ledger.New(db, d.Bus, cfg.ledgerConfig(), logger)

	out := sink.NewThrottled(sink.NewLogSink(logger), cfg.Notify.DeliveryRate, cfg.Notify.DeliveryBurst)
	d.Notify = notify.New(cfg.notifyConfig(), out, logger, notify.WithFailureReporter(d.reportDeliveryFailure))

	d.Auditor = audit.New(d.Ledger, audit.Repositories{
		Users:      db,
		Profiles:   db,
		Badges:     db,
		Narrative:  db,
		References: db,
	}, d.Bus, cfg.auditConfig(), logger)
	d.Scheduler = audit.NewScheduler(d.Auditor, cfg.schedulerConfig(), logger)

	if err := reactions.New(d.Notify, d.Scheduler, logger).Register(d.Bus); err != nil {
		d.Close(context.Background())
		return nil, fmt.Errorf("register reactions: %w", err)
	}

	d.API = api.NewServer(api.Services{
		Ledger:        d.Ledger,
		Events:        d.Bus,
		Notifications: d.Notify,
		Auditor:       d.Auditor,
	}, logger)
	if cfg.API.Metrics {
		d.API.EnableMetrics()
	}
	return d, nil
}

// reportDeliveryFailure turns a lost batch into an ErrorOccurred event.
func (d *Daemon) reportDeliveryFailure(recipientID int64, items int, err error) {
	_, perr := d.Bus.Publish(domain.EventErrorOccurred, recipientID, domain.ErrorOccurredPayload{
		Component: "notify",
		Message:   fmt.Sprintf("%d notification(s) not delivered: %v", items, err),
	}, "notify", "")
	if perr != nil {
		d.logger.Warn("delivery failure not published", zap.Int64("recipient_id", recipientID), zap.Error(perr))
	}
}

// Run serves the API and runs the audit schedule until ctx ends, then shuts
// every component down.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if d.cfg.Audit.Enabled {
		g.Go(func() error { return d.Scheduler.Run(gctx) })
	}

	if d.cfg.API.Enabled {
		ln, err := net.Listen("tcp", d.cfg.API.Addr())
		if err != nil {
			d.Close(context.Background())
			return fmt.Errorf("listen %s: %w", d.cfg.API.Addr(), err)
		}
		srv := &http.Server{
			Handler:           d.API.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		d.logger.Info("api listening", zap.String("addr", ln.Addr().String()))
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, d.Close(shutdownCtx))
}

// Close drains the bus, flushes pending notifications and closes storage.
// Bus handlers enqueue notifications, so the bus drains first.
func (d *Daemon) Close(ctx context.Context) error {
	var errs []error
	if err := d.Bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	if err := d.Notify.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close notifications: %w", err))
	}
	if err := d.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	d.logger.Info("stopped")
	return errors.Join(errs...)
}
