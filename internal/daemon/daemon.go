// Package daemon assembles and supervises the long-running service: store,
// adapter, event bus, log sources, correlator, autonomy controller,
// deployment controller, and the facade. Sources and the slow-path
// classifier are failure-isolated; a panic in one restarts that task with
// backoff instead of taking the daemon down.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"afo/internal/autonomy"
	"afo/internal/backend"
	"afo/internal/backend/nftables"
	"afo/internal/bus"
	"afo/internal/config"
	"afo/internal/correlate"
	"afo/internal/deploy"
	"afo/internal/facade"
	"afo/internal/netinfo"
	"afo/internal/sources"
	"afo/internal/store"
	"afo/internal/translate"
	"afo/internal/types"
)

// Daemon owns the assembled component graph.
type Daemon struct {
	cfg     *config.Config
	cfgPath string
	logger  *zap.Logger

	st         *store.Store
	registry   *backend.Registry
	adapter    backend.Adapter
	bus        *bus.Bus
	correlator *correlate.Correlator
	deployer   *deploy.Controller
	autonomy   *autonomy.Controller
	facade     *facade.Facade
	discoverer *netinfo.Discoverer
}

// New wires the daemon from configuration. Nothing runs until Run.
func New(cfg *config.Config, logger *zap.Logger) (*Daemon, error) {
	st, err := store.Open(cfg.Store.Path, logger.Named("store"))
	if err != nil {
		return nil, err
	}

	registry := backend.NewRegistry()
	if err := registry.Register(nftables.New(nftables.Options{
		BackupDir: cfg.Store.BackupDir,
		Logger:    logger.Named("nftables"),
	})); err != nil {
		st.Close()
		return nil, err
	}
	adapter, err := registry.Activate(cfg.Backend.Name)
	if err != nil {
		st.Close()
		return nil, err
	}

	b := bus.New(bus.Options{
		Sink:          st,
		ClassCapacity: cfg.Bus.ClassCapacity,
		OutDepth:      cfg.Bus.OutDepth,
		BatchSize:     cfg.Bus.BatchSize,
		Logger:        logger.Named("bus"),
	})

	var translator *translate.Client
	if cfg.Translator.URL != "" {
		translator = translate.New(translate.Options{
			URL:     cfg.Translator.URL,
			Timeout: cfg.Translator.Timeout.Std(),
			Logger:  logger.Named("translate"),
		})
	}

	var classifier correlate.Classifier
	if translator != nil {
		classifier = translator
	}
	correlator := correlate.New(correlate.Options{
		HalfLife:     cfg.Correlator.HalfLife.Std(),
		Cooldown:     cfg.Correlator.Cooldown.Std(),
		FloodRate:    cfg.Correlator.FloodRate,
		Classifier:   classifier,
		ClassifyWait: cfg.Correlator.ClassifyWait.Std(),
		Warn:         func(ev types.SecurityEvent) { b.Publish("correlator", ev) },
		Logger:       logger.Named("correlate"),
	})

	deployer := deploy.New(deploy.Options{
		Store:             st,
		Adapter:           adapter,
		Publisher:         b,
		Prober:            buildProber(cfg.Deploy.Heartbeat),
		ProbeDisabled:     cfg.Deploy.Heartbeat.Disabled,
		HeartbeatInterval: cfg.Deploy.Heartbeat.Interval.Std(),
		ProbationWindow:   cfg.Deploy.Probation.Std(),
		LockTimeout:       cfg.Deploy.Lock.Timeout.Std(),
		Logger:            logger.Named("deploy"),
	})

	discoverer := netinfo.New(logger.Named("netinfo"))
	auto := autonomy.New(autonomy.Options{
		Store:         st,
		Adapter:       adapter,
		Deployer:      deployer,
		Level:         types.AutonomyLevel(cfg.Autonomy.Level),
		MaxCIDR:       cfg.Autonomy.MaxCIDR,
		MaxCIDRv6:     cfg.Autonomy.MaxCIDRv6,
		BreakerCount:  cfg.Autonomy.Breaker.Count,
		BreakerWindow: cfg.Autonomy.Breaker.Window.Std(),
		RatePerMin:    cfg.Autonomy.RatePerMin,
		SubjectCooldown: cfg.Autonomy.Cooldown.Std(),
		SelfAddrs:     discoverer.Addrs,
		IfaceAddrs:    netinfo.IfacePrefixes,
		Logger:        logger.Named("autonomy"),
	})

	var trans translate.Translator
	if translator != nil {
		trans = translator
	}
	f := facade.New(facade.Options{
		Store:      st,
		Adapter:    adapter,
		Deploy:     deployer,
		Autonomy:   auto,
		Translator: trans,
		Logger:     logger.Named("facade"),
	})

	return &Daemon{
		cfg:        cfg,
		logger:     logger,
		st:         st,
		registry:   registry,
		adapter:    adapter,
		bus:        b,
		correlator: correlator,
		deployer:   deployer,
		autonomy:   auto,
		facade:     f,
		discoverer: discoverer,
	}, nil
}

// Facade returns the service API for in-process consumers (the CLI).
func (d *Daemon) Facade() *facade.Facade { return d.facade }

// Store returns the state store for read-only dashboard queries.
func (d *Daemon) Store() *store.Store { return d.st }

// buildProber returns the probation heartbeat probe. The heartbeat has
// two halves: the outbound liveness target must stay reachable, and the
// host's own management endpoint must still accept connections after
// the rule change. With either half unconfigured there is no probe, and
// probation fails closed unless heartbeats are explicitly disabled.
func buildProber(hb config.HeartbeatConfig) deploy.Prober {
	if hb.Probe == "" || hb.Inbound == "" {
		return nil
	}
	timeout := hb.Timeout.Std()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return deploy.ProbeFunc(func(ctx context.Context) error {
		dl, ok := ctx.Deadline()
		if !ok || time.Until(dl) > timeout {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var d net.Dialer
		for _, half := range []struct{ role, addr string }{
			{"liveness", hb.Probe},
			{"management", hb.Inbound},
		} {
			conn, err := d.DialContext(ctx, "tcp", half.addr)
			if err != nil {
				return fmt.Errorf("%s target %s unreachable: %w", half.role, half.addr, err)
			}
			conn.Close()
		}
		return nil
	})
}

// Run starts every task and blocks until the context is cancelled or a
// non-isolated task fails. TERM/INT drain gracefully; HUP reloads the
// configuration in place.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	defer d.st.Close()

	if err := d.seedNeverBlock(ctx); err != nil {
		return err
	}
	if err := d.autonomy.Restore(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCancel(d.bus.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(d.deployer.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(d.deployer.RunExpirySweeper(ctx, time.Minute)) })
	g.Go(func() error { return d.pumpEvents(ctx) })
	g.Go(func() error {
		return ignoreCancel(d.autonomy.Run(ctx, d.correlator.Assessments()))
	})
	g.Go(func() error { return d.retentionLoop(ctx) })
	g.Go(func() error { return d.reloadLoop(ctx) })
	g.Go(func() error { return d.catastrophicWatch(ctx) })
	g.Go(func() error {
		srv := facade.NewServer(d.facade, d.logger.Named("api"))
		return ignoreCancel(srv.Serve(ctx, d.cfg.API.Socket))
	})

	for name, src := range d.cfg.Sources {
		if !src.Enabled {
			continue
		}
		name, src := name, src
		g.Go(func() error { return d.superviseSource(ctx, name, d.tailerFactory(name, src)) })
	}
	for name, feed := range d.cfg.Feeds {
		name, feed := name, feed
		g.Go(func() error { return d.superviseSource(ctx, name, d.feedFactory(name, feed)) })
	}

	d.logger.Info("daemon running",
		zap.String("backend", d.adapter.Name()),
		zap.String("autonomy_level", string(d.autonomy.Level())))
	return g.Wait()
}

func ignoreCancel(err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}

// seedNeverBlock loads config entries and discovered management addresses
// into the protected list before anything autonomous can run.
func (d *Daemon) seedNeverBlock(ctx context.Context) error {
	for _, raw := range d.cfg.NeverBlock.Entries {
		entry, err := facade.ParseNeverBlock(raw)
		if err != nil {
			return err
		}
		entry.Source = "config"
		if err := d.st.AddNeverBlock(ctx, entry); err != nil {
			return err
		}
	}
	if d.cfg.NeverBlock.ManagementDiscovery {
		if _, err := d.discoverer.Discover(); err != nil {
			d.logger.Warn("management discovery failed", zap.Error(err))
		} else if err := d.discoverer.Seed(ctx, d.st); err != nil {
			return err
		}
	}
	return nil
}

// pumpEvents is the bus's single consumer: every drained event goes to the
// correlator and fans out to facade subscribers.
func (d *Daemon) pumpEvents(ctx context.Context) error {
	correlatorIn := make(chan types.SecurityEvent, 64)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(d.correlator.Run(ctx, correlatorIn)) })
	g.Go(func() error {
		defer close(correlatorIn)
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-d.bus.Events():
				if !ok {
					return nil
				}
				d.facade.Notify(ev)
				select {
				case correlatorIn <- ev:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	return g.Wait()
}

// sourceFactory starts one source instance and returns its event stream.
type sourceFactory func(ctx context.Context) (<-chan types.SecurityEvent, error)

func (d *Daemon) tailerFactory(name string, src config.SourceConfig) sourceFactory {
	parser := sources.ParseSSHAuth
	if src.Parser == "netfilter" {
		parser = sources.ParseNetfilterLog
	}
	return func(ctx context.Context) (<-chan types.SecurityEvent, error) {
		t := sources.NewFileTailer(sources.TailerOptions{
			SourceName: name,
			Path:       src.Path,
			Parse:      parser,
			Cursors:    d.st,
			Logger:     d.logger.Named("source." + name),
		})
		return t.Start(ctx)
	}
}

func (d *Daemon) feedFactory(name string, feed config.FeedConfig) sourceFactory {
	return func(ctx context.Context) (<-chan types.SecurityEvent, error) {
		p := sources.NewFeedPoller(sources.FeedOptions{
			SourceName: name,
			URL:        feed.URL,
			Interval:   feed.Interval.Std(),
			AgeMax:     feed.AgeMax.Std(),
			Logger:     d.logger.Named("feed." + name),
		})
		return p.Start(ctx)
	}
}

// superviseSource runs one source until the daemon stops, restarting it
// with exponential backoff after a failure or panic.
func (d *Daemon) superviseSource(ctx context.Context, name string, start sourceFactory) error {
	backoff := time.Second
	const maxBackoff = time.Minute
	for {
		began := time.Now()
		err := d.runSourceOnce(ctx, name, start)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(began) > maxBackoff {
			backoff = time.Second
		}
		d.logger.Warn("source stopped, restarting",
			zap.String("source", name),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runSourceOnce pumps a single source incarnation into the bus, converting
// panics into errors.
func (d *Daemon) runSourceOnce(ctx context.Context, name string, start sourceFactory) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source %s panicked: %v", name, r)
		}
	}()
	ch, err := start(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return fmt.Errorf("source %s stream closed", name)
			}
			d.bus.Publish(name, ev)
		}
	}
}

// retentionLoop sweeps expired rows daily.
func (d *Daemon) retentionLoop(ctx context.Context) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := d.st.RetentionSweep(ctx, d.cfg.Store.RetainDays)
			if err != nil {
				d.logger.Warn("retention sweep failed", zap.Error(err))
				continue
			}
			d.logger.Info("retention sweep", zap.Int64("rows_removed", n))
		}
	}
}

// reloadLoop applies HUP-triggered config reloads and USR1 status dumps.
// In-flight deployments are untouched by a reload; only the autonomy dials
// and never-block seeds move.
func (d *Daemon) reloadLoop(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			if sig == syscall.SIGUSR1 {
				d.dumpStatus(ctx)
				continue
			}
			if err := d.reload(ctx); err != nil {
				d.logger.Error("config reload failed", zap.Error(err))
			}
		}
	}
}

// dumpStatus logs the operator status view on SIGUSR1.
func (d *Daemon) dumpStatus(ctx context.Context) {
	st, err := d.facade.DaemonStatus(ctx)
	if err != nil {
		d.logger.Error("status dump failed", zap.Error(err))
		return
	}
	fields := []zap.Field{
		zap.String("backend", st.Backend),
		zap.Bool("backend_reachable", st.Health.Reachable),
		zap.String("autonomy_level", string(st.AutonomyLevel)),
		zap.Bool("breaker_open", st.BreakerOpen),
		zap.Int("pending_proposals", st.PendingProposals),
		zap.Int("live_rules", st.LiveRules),
	}
	if st.ActiveDeployment != nil {
		fields = append(fields,
			zap.String("active_deployment", st.ActiveDeployment.ID),
			zap.String("deployment_state", string(st.ActiveDeployment.State)))
	}
	d.logger.Info("status", fields...)
}

// SetConfigPath names the file HUP reloads re-read.
func (d *Daemon) SetConfigPath(path string) { d.cfgPath = path }

func (d *Daemon) reload(ctx context.Context) error {
	if d.cfgPath == "" {
		return nil
	}
	fresh, err := config.Load(d.cfgPath)
	if err != nil {
		return err
	}
	if fresh.Autonomy.Level != d.cfg.Autonomy.Level {
		if err := d.autonomy.SetLevel(ctx, types.AutonomyLevel(fresh.Autonomy.Level), "config-reload"); err != nil {
			return err
		}
	}
	for _, raw := range fresh.NeverBlock.Entries {
		entry, err := facade.ParseNeverBlock(raw)
		if err != nil {
			return err
		}
		entry.Source = "config"
		if err := d.st.AddNeverBlock(ctx, entry); err != nil {
			return err
		}
	}
	d.cfg.Autonomy = fresh.Autonomy
	d.cfg.NeverBlock = fresh.NeverBlock
	d.logger.Info("configuration reloaded")
	return d.st.AppendAudit(ctx, types.AuditRecord{
		Kind:   types.AuditConfigReloaded,
		Detail: "reload via SIGHUP",
		At:     time.Now(),
	})
}

// catastrophicWatch trips the autonomy breaker when a catastrophic
// rollback failure lands in the audit trail.
func (d *Daemon) catastrophicWatch(ctx context.Context) error {
	// start from the current tail; old records were handled before
	var cursor int64
	if all, err := d.st.AuditSince(ctx, 0, 0); err == nil && len(all) > 0 {
		cursor = all[len(all)-1].Seq
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			recs, err := d.st.AuditSince(ctx, cursor, 200)
			if err != nil {
				d.logger.Warn("audit watch failed", zap.Error(err))
				continue
			}
			for _, rec := range recs {
				cursor = rec.Seq
				if rec.Kind != types.AuditCatastrophic {
					continue
				}
				if err := d.autonomy.TripBreaker(ctx, "catastrophic rollback on deployment "+rec.DeploymentID); err != nil {
					d.logger.Error("failed to trip breaker", zap.Error(err))
				}
			}
		}
	}
}
