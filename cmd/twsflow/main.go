package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"twsflow/config"
	"twsflow/internal/archive"
	"twsflow/internal/client"
	"twsflow/internal/dashboard"
	"twsflow/internal/ib"
	"twsflow/internal/playback"
	"twsflow/internal/server"
	"twsflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	symbolsFlag := flag.String("symbols", "", "Comma-separated stock symbols to subscribe to")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Twsflow.Name,
		"version": cfg.Twsflow.Version,
	}).Info("starting twsflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		logger.InitCloudWatch("", cfg.Metrics.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" || cfg.Metrics.Enabled {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	if cfg.Playback.File != "" {
		runPlayback(ctx, cfg, log)
		return
	}
	runLive(ctx, cancel, cfg, log, splitSymbols(*symbolsFlag))
}

func runPlayback(ctx context.Context, cfg *config.Config, log *logger.Log) {
	speed, err := playback.ParseSpeed(cfg.Playback.Speed)
	if err != nil {
		log.WithError(err).Error("invalid playback speed")
		os.Exit(1)
	}

	f, err := os.Open(cfg.Playback.File)
	if err != nil {
		log.WithError(err).Error("failed to open playback file")
		os.Exit(1)
	}
	defer f.Close()

	player := playback.NewPlayer(engineSettings(cfg), cfg.Channels.EventBuffer, speed)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pumpEvents(ctx, player.Client(), nil, log)
	}()

	if err := player.Run(ctx, f); err != nil {
		log.WithError(err).Error("playback failed")
	}

	for id := range player.Client().Engine().Subscriptions() {
		if snap, ok := player.Client().Engine().Snapshot(id); ok && snap.Contract != nil {
			log.WithComponent("main").WithFields(logger.Fields{
				"symbol": snap.Contract.Symbol,
				"last":   snap.Last,
				"volume": snap.Volume,
			}).Info("replayed snapshot")
		}
	}
	log.Info("twsflow playback finished")
}

func runLive(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, log *logger.Log, symbols []string) {
	var wg sync.WaitGroup

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(server.NewSimulator(0))
		if err := srv.Start(ctx, cfg.Server.Listen); err != nil {
			log.WithError(err).Error("failed to start server")
			os.Exit(1)
		}
	}

	opts := client.Options{
		Host:              cfg.Connection.Host,
		Port:              cfg.Connection.Port,
		ClientID:          cfg.Connection.ClientID,
		Engine:            engineSettings(cfg),
		EventBuffer:       cfg.Channels.EventBuffer,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.BurstSize,
		DialTimeout:       cfg.Connection.DialTimeout,
	}

	var recorder *playback.Recorder
	if cfg.Recording.Enabled {
		var err error
		recorder, err = playback.OpenRecorder(cfg.Recording.Dir)
		if err != nil {
			log.WithError(err).Error("failed to open recording log")
			os.Exit(1)
		}
		opts.Recorder = recorder
	}

	c := client.New(opts)
	if err := c.Connect(ctx); err != nil {
		log.WithError(err).Error("failed to connect")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{
		"server_version": c.ServerVersion(),
		"server_time":    c.ServerTime(),
		"client_id":      c.ClientID(),
	}).Info("connected")

	var archiver *archive.Archiver
	var archiveCh chan client.Event
	if cfg.Archive.Enabled {
		archiveCh = make(chan client.Event, cfg.Channels.EventBuffer)
		var err error
		archiver, err = archive.New(cfg, archiveCh)
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			os.Exit(1)
		}
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archiver")
			os.Exit(1)
		}
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, log, c.Engine())
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard exited with error")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pumpEvents(ctx, c, archiveCh, log)
	}()

	subscribe(c, symbols, log)

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	c.Disconnect()
	if archiver != nil {
		log.Info("stopping archiver")
		close(archiveCh)
		archiver.Stop()
	}
	if srv != nil {
		log.Info("stopping server")
		srv.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("twsflow stopped")
}

// pumpEvents drains the client event channel, logs the interesting events
// and forwards market data to the archiver when one is attached.
func pumpEvents(ctx context.Context, c *client.Client, archiveCh chan<- client.Event, log *logger.Log) {
	entry := log.WithComponent("events")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case client.StatusEvent:
				entry.WithFields(logger.Fields{"status": e.Status.String()}).Info("connection status changed")
			case client.ErrorEvent:
				f := logger.Fields{"req_id": e.RequestID, "code": e.Error.Code}
				if e.Error.DropDead {
					entry.WithFields(f).Error(e.Error.Message)
				} else {
					entry.WithFields(f).Warn(e.Error.Message)
				}
			case client.MarketDataEvent:
				if archiveCh != nil {
					select {
					case archiveCh <- e:
					default:
						logger.IncrementEventsDropped()
					}
				}
			case client.ManagedAccountsEvent:
				entry.WithFields(logger.Fields{"accounts": e.Accounts}).Info("managed accounts")
			case client.NextValidIDEvent:
				entry.WithFields(logger.Fields{"order_id": e.OrderID}).Debug("next valid order id")
			}
		}
	}
}

func subscribe(c *client.Client, symbols []string, log *logger.Log) {
	for i, symbol := range symbols {
		contract := &ib.Contract{
			Symbol:   symbol,
			SecType:  ib.SecTypeStock,
			Exchange: "SMART",
			Currency: "USD",
		}
		if err := c.RequestMarketData(i+1, contract, ""); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("market data request failed")
		}
	}
}

func engineSettings(cfg *config.Config) client.EngineSettings {
	s := client.EngineSettings{
		UseDupFilter:           cfg.Engine.UseDupFilter,
		DupDetectionTimeout:    cfg.Engine.DupDetectionTimeout,
		IgnoreSizeInPriceTicks: cfg.Engine.IgnoreSizeInPriceTicks,
	}
	if cfg.Engine.GenerateLastSizePrice {
		s.TradeGeneration |= ib.GenerateLastSizePrice
	}
	if cfg.Engine.GenerateLastSize {
		s.TradeGeneration |= ib.GenerateLastSize
	}
	if cfg.Engine.GenerateVolume {
		s.TradeGeneration |= ib.GenerateVolume
	}
	return s
}

func splitSymbols(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
