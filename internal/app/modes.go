package app

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/depthfeed/internal/config"
	"github.com/alanyoungcy/depthfeed/internal/domain"
	"github.com/alanyoungcy/depthfeed/internal/feed"
	"github.com/alanyoungcy/depthfeed/internal/orderflow"
	"github.com/alanyoungcy/depthfeed/internal/pipeline"
	"github.com/alanyoungcy/depthfeed/internal/platform/dhan"
	"github.com/alanyoungcy/depthfeed/internal/server"
	"github.com/alanyoungcy/depthfeed/internal/server/handler"
	"github.com/alanyoungcy/depthfeed/internal/server/ws"
	"github.com/alanyoungcy/depthfeed/internal/service"
)

// runtime collects what the HTTP surface exposes about the running stages.
type runtime struct {
	health   *handler.HealthHandler
	sessions map[string]handler.Subscriber
	levels   *handler.LevelsHandler
	hub      *ws.Hub
}

// IngestMode runs the tick session, the depth session or both, together
// with their writers, the signal publisher, the instrument refresher and,
// when enabled, the archive loop and HTTP server.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest",
		slog.Bool("ticks", a.cfg.RunsTicks()),
		slog.Bool("depth", a.cfg.RunsDepth()),
	)

	orch := pipeline.NewOrchestrator(a.logger)
	rt := a.newRuntime(deps)

	if n, err := deps.Instruments.Refresh(ctx); err != nil {
		a.logger.WarnContext(ctx, "instrument reference data unavailable, records stay unenriched until the next refresh",
			slog.String("error", err.Error()))
	} else {
		a.logger.InfoContext(ctx, "instrument reference data loaded", slog.Int("instruments", n))
	}
	orch.Add("instrument-refresh", pipeline.RunnerFunc(func(ctx context.Context) error {
		return deps.Instruments.Run(ctx, a.cfg.Enrich.InstrumentRefresh.Duration)
	}))

	if a.cfg.RunsTicks() {
		if err := a.addTickStream(orch, rt, deps); err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
	}
	if a.cfg.RunsDepth() {
		if err := a.addDepthStream(orch, rt, deps); err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
	}
	if a.cfg.Archive.Enabled {
		a.addArchiver(orch, rt, deps)
	}
	if a.cfg.Server.Enabled {
		a.addServer(orch, rt, deps)
	}

	return orch.Run(ctx)
}

// ArchiveMode runs only the archive loop, plus health and metrics when the
// server is enabled.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode",
		slog.String("cron", a.cfg.Archive.Cron),
		slog.Duration("retention", a.cfg.Archive.Retention.Duration),
	)

	orch := pipeline.NewOrchestrator(a.logger)
	rt := a.newRuntime(deps)
	a.addArchiver(orch, rt, deps)
	if a.cfg.Server.Enabled {
		a.addServer(orch, rt, deps)
	}
	return orch.Run(ctx)
}

func (a *App) newRuntime(deps *Dependencies) *runtime {
	health := handler.NewHealthHandler(a.cfg.Mode, a.logger).
		AddCheck("postgres", deps.Postgres.Ping).
		AddCheck("redis", deps.Redis.Ping)
	return &runtime{health: health, sessions: map[string]handler.Subscriber{}}
}

func (a *App) addTickStream(orch *pipeline.Orchestrator, rt *runtime, deps *Dependencies) error {
	fc := a.cfg.Feed
	keys, err := fc.Ticks.Keys()
	if err != nil {
		return fmt.Errorf("tick instruments: %w", err)
	}
	url, err := dhan.BuildURL(fc.Ticks.URL, fc.AccessToken, fc.ClientID, fc.Ticks.Version)
	if err != nil {
		return fmt.Errorf("tick feed url: %w", err)
	}
	sub, unsub := tickRequestCodes(fc.Ticks.Packet)

	writer := pipeline.NewBatchWriter(a.batchConfig("ticks"),
		pipeline.BatchStore[domain.EnrichedRecord](deps.TickStore),
		domain.EnrichedRecord.Key, deps.Metrics, a.logger)
	proc := pipeline.NewTickProcessor(deps.Instruments, pipeline.NewCalculator(a.cfg.Enrich.Epsilon), writer, deps.Metrics, a.logger)
	sess := feed.NewSession(a.sessionConfig("ticks", sub, unsub), a.dialer(url),
		dhan.NewCodec(a.byteOrder(), dhan.LayoutFeed), proc, keys, deps.Metrics, a.logger)

	orch.AddStream("ticks", sess, writer)
	rt.sessions["ticks"] = sess
	rt.health.AddProbe("ticks_session", func() any { return sess.Stats() })
	rt.health.AddProbe("ticks_writer", func() any { return writer.Stats() })
	return nil
}

func (a *App) addDepthStream(orch *pipeline.Orchestrator, rt *runtime, deps *Dependencies) error {
	fc := a.cfg.Feed
	keys, err := fc.Depth.Keys()
	if err != nil {
		return fmt.Errorf("depth instruments: %w", err)
	}
	url, err := dhan.BuildURL(fc.Depth.URL, fc.AccessToken, fc.ClientID, fc.Depth.Version)
	if err != nil {
		return fmt.Errorf("depth feed url: %w", err)
	}

	engine := orderflow.NewEngine(a.orderflowConfig(), deps.Metrics, a.logger)

	var (
		sink  pipeline.StateSink
		sinks []pipeline.Drainer
		pub   pipeline.StatePublisher
	)
	if a.cfg.Signal.Persist {
		writer := pipeline.NewBatchWriter(a.batchConfig("depth_signals"),
			pipeline.BatchStore[domain.SignalState](deps.SignalStore),
			domain.SignalState.RecordKey, deps.Metrics, a.logger)
		sink, sinks = writer, append(sinks, writer)
		rt.health.AddProbe("depth_writer", func() any { return writer.Stats() })
	}
	if a.cfg.Publisher.Enabled {
		pc := a.cfg.Publisher
		publisher := service.NewSignalPublisher(deps.SignalBus, service.PublisherConfig{
			QueueSize:        pc.QueueSize,
			ChannelPrefix:    pc.ChannelPrefix,
			AbsorptionStream: pc.AbsorptionStream,
			PublishTimeout:   pc.PublishTimeout.Duration,
			BreakerFailures:  uint32(max(pc.BreakerFailures, 0)),
			BreakerCooldown:  pc.BreakerCooldown.Duration,
		}, deps.Metrics, a.logger)
		pub = publisher
		orch.Add("publisher", publisher)
		rt.health.AddProbe("publisher", func() any { return publisher.Stats() })
	}

	proc := pipeline.NewDepthProcessor(engine, sink, pub, a.logger)
	sess := feed.NewSession(a.sessionConfig("depth", dhan.RequestSubscribeDepth, dhan.RequestUnsubscribeDepth),
		a.dialer(url), dhan.NewCodec(a.byteOrder(), dhan.LayoutDepth), proc, keys, deps.Metrics, a.logger)

	orch.AddStream("depth", sess, sinks...)
	rt.sessions["depth"] = sess
	rt.levels = handler.NewLevelsHandler(engine.Store(), deps.SignalStore, a.logger)
	rt.hub = ws.NewHub(deps.SignalBus, a.cfg.Publisher.ChannelPrefix+"*", a.logger)
	rt.health.AddProbe("depth_session", func() any { return sess.Stats() })
	rt.health.AddProbe("ws_clients", func() any { return rt.hub.ClientCount() })
	return nil
}

func (a *App) addArchiver(orch *pipeline.Orchestrator, rt *runtime, deps *Dependencies) {
	ac := a.cfg.Archive
	archiver := pipeline.NewArchiver(deps.Archiver, ac.Retention.Duration, ac.Cron, deps.Metrics, a.logger).
		WithLock(deps.Locks, ac.LockTTL.Duration)
	orch.Add("archiver", archiver)
	rt.health.AddCheck("s3", deps.S3.Health)
}

func (a *App) addServer(orch *pipeline.Orchestrator, rt *runtime, deps *Dependencies) {
	sc := a.cfg.Server
	h := server.Handlers{
		Health:  rt.health,
		Levels:  rt.levels,
		Metrics: deps.Metrics.Handler(),
		Hub:     rt.hub,
	}
	if len(rt.sessions) > 0 {
		h.Subscriptions = handler.NewSubscriptionHandler(rt.sessions, a.logger)
	}
	if rt.hub != nil {
		orch.Add("ws-hub", rt.hub)
	}

	srv := server.NewServer(server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
		RateLimit:   sc.RateLimit,
		RateBurst:   sc.RateBurst,
	}, h, a.logger)
	orch.Add("http", pipeline.RunnerFunc(func(ctx context.Context) error {
		return srv.Run(ctx, sc.ShutdownGrace.Duration)
	}))
}

func (a *App) sessionConfig(name string, sub, unsub dhan.RequestCode) feed.Config {
	fc := a.cfg.Feed
	return feed.Config{
		Name:              name,
		SubscribeCode:     sub,
		UnsubscribeCode:   unsub,
		BaseBackoff:       fc.BaseBackoff.Duration,
		MaxBackoff:        fc.MaxBackoff.Duration,
		MaxAttempts:       fc.MaxAttempts,
		PingPeriod:        fc.PingPeriod.Duration,
		MaxDecodeFailures: fc.MaxDecodeFailures,
		MaxAuthFailures:   fc.MaxAuthFailures,
		SubscribeRate:     rate.Limit(fc.SubscribeRate),
		SubscribeBurst:    fc.SubscribeBurst,
	}
}

func (a *App) dialer(url string) feed.DialFunc {
	pongWait := a.cfg.Feed.PongWait.Duration
	return func(ctx context.Context) (feed.Conn, error) {
		conn, err := dhan.Dial(ctx, url, pongWait)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func (a *App) byteOrder() binary.ByteOrder {
	if strings.EqualFold(a.cfg.Feed.ByteOrder, "big") {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (a *App) batchConfig(table string) pipeline.BatchConfig {
	bc := a.cfg.Batch
	return pipeline.BatchConfig{
		Table:         table,
		BatchSize:     bc.Size,
		FlushInterval: bc.FlushInterval.Duration,
		QueueSize:     bc.QueueSize,
		FlushTimeout:  bc.FlushTimeout.Duration,
		DrainTimeout:  bc.DrainTimeout.Duration,
	}
}

func (a *App) orderflowConfig() orderflow.Config {
	return orderflowConfig(a.cfg.Signal)
}

func orderflowConfig(s config.SignalConfig) orderflow.Config {
	return orderflow.Config{
		SignificanceMultiplier: s.SignificanceMultiplier,
		MeanWindow:             s.MeanWindow,
		PriceStep:              s.PriceStep,
		MinDwell:               s.MinDwell.Duration,
		HistorySize:            s.HistorySize,
		TouchTolerance:         s.TouchTolerance,
		MaxDistance:            s.MaxDistance,
		MaxInactive:            s.MaxInactive.Duration,
		MaxUntestedAge:         s.MaxUntestedAge.Duration,
		MinOrders:              s.MinOrders,
		OlderWindowStart:       s.OlderWindowStart.Duration,
		OlderWindowEnd:         s.OlderWindowEnd.Duration,
		RecentWindow:           s.RecentWindow.Duration,
		MinReductionPct:        s.MinReductionPct,
		MinConsistency:         s.MinConsistency,
		ConsistencySamples:     s.ConsistencySamples,
		AbsorptionDistance:     s.AbsorptionDistance,
		AbsorptionTTL:          s.AbsorptionTTL.Duration,
		PressureWindows:        s.Windows(),
		PressureLevels:         s.PressureLevels,
		StateThreshold:         s.StateThreshold,
		TopLevels:              s.TopLevels,
	}
}

// tickRequestCodes maps the configured tick packet kind to its
// subscribe/unsubscribe request codes.
func tickRequestCodes(packet string) (sub, unsub dhan.RequestCode) {
	switch strings.ToLower(packet) {
	case "ticker":
		return dhan.RequestSubscribeTicker, dhan.RequestUnsubscribeTicker
	case "quote":
		return dhan.RequestSubscribeQuote, dhan.RequestUnsubscribeQuote
	default:
		return dhan.RequestSubscribeFull, dhan.RequestUnsubscribeFull
	}
}
