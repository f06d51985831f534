// Package app wires configuration, logging, storage, the Telegram gateway,
// the parser, the worker pool, and the registry into one runnable unit.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"signalpipe/internal/broadcast"
	"signalpipe/internal/config"
	"signalpipe/internal/gateway"
	"signalpipe/internal/gateway/telegram"
	"signalpipe/internal/parser"
	"signalpipe/internal/pipeline"
	"signalpipe/internal/registry"
	"signalpipe/internal/storage"
	"signalpipe/pkg/logx"
)

const defaultResyncSchedule = "@every 5m"

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store storage.Store
	gw    *telegram.Adapter
	bus   broadcast.Bus
	pool  *pipeline.Service
	reg   *registry.Registry
	cron  *cron.Cron

	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	gw, err := telegram.New(telegram.Config{
		Token:             cfg.Telegram.Token,
		PollTimeout:       pollTimeout,
		ResolveRatePerSec: cfg.Telegram.ResolveRatePerSec,
	}, signalHistory{store: store}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var p parser.Parser
	if strings.TrimSpace(cfg.OpenAI.APIKey) != "" {
		timeout, err := config.ParseDurationOrDefault("openai.timeout", cfg.OpenAI.Timeout, 30*time.Second)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		op, err := parser.NewOpenAI(parser.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
			BaseURL: cfg.OpenAI.BaseURL,
			Timeout: timeout,
		}, log.With(logx.String("comp", "parser")))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		p = op
	} else {
		// No key: every job becomes a failed-status signal with a clear
		// cause instead of the daemon refusing to start.
		log.Warn("openai.api_key is not set; signals will be recorded as failed")
		p = parser.Unconfigured{}
	}

	bus := broadcast.New()

	retention, err := config.ParseDurationOrDefault("pipeline.retention", cfg.Pipeline.Retention, 24*time.Hour)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pool := pipeline.New(pipeline.Config{
		Workers:   cfg.Pipeline.Workers,
		Retention: retention,
	}, store, p, bus, log.With(logx.String("comp", "pipeline")))

	reg := registry.New(store, gw, pool, log.With(logx.String("comp", "registry")))

	return &App{
		cfgm:  cfgm,
		logs:  logSvc,
		log:   log,
		store: store,
		gw:    gw,
		bus:   bus,
		pool:  pool,
		reg:   reg,
	}, nil
}

func (a *App) Registry() *registry.Registry { return a.reg }
func (a *App) Bus() broadcast.Bus           { return a.bus }

func (a *App) Start(ctx context.Context) error {
	// Ingestion path: gateway -> dispatch, plus raw-message fanout for
	// live observers.
	a.gw.OnMessage(a.reg.Dispatch)
	a.gw.OnMessage(func(msg gateway.Message) {
		m := msg
		a.bus.Publish(broadcast.Event{Type: broadcast.TypeMessage, Message: &m})
	})

	a.pool.Start(ctx)
	if err := a.gw.Start(ctx); err != nil {
		return err
	}
	if err := a.reg.Initialize(ctx); err != nil {
		return err
	}

	// Safety net: periodically re-assert the listening set so a gateway
	// reconnect converges without waiting for the next mutation.
	cfg := a.cfgm.Get()
	schedule := strings.TrimSpace(cfg.Telegram.ResyncSchedule)
	if schedule == "" {
		schedule = defaultResyncSchedule
	}
	if schedule != "off" {
		c := cron.New()
		if _, err := c.AddFunc(schedule, func() {
			if err := a.reg.Resync(context.Background()); err != nil {
				a.log.Warn("periodic channel resync failed", logx.Err(err))
			}
		}); err != nil {
			return err
		}
		c.Start()
		a.cron = c
	}

	// Config hot reload: only logging is safe to re-apply live.
	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	sub := a.cfgm.Subscribe(1)
	a.watchWG.Add(2)
	go func() {
		defer a.watchWG.Done()
		_ = a.cfgm.Watch(wctx)
	}()
	go func() {
		defer a.watchWG.Done()
		for {
			select {
			case <-wctx.Done():
				a.cfgm.Unsubscribe(sub)
				return
			case next := <-sub:
				if next == nil {
					continue
				}
				a.logs.Apply(logx.Config{
					Level:   next.Logging.Level,
					Console: next.Logging.Console,
					File: logx.FileConfig{
						Enabled: next.Logging.File.Enabled,
						Path:    next.Logging.File.Path,
					},
				})
				a.log.Info("logging config re-applied", logx.String("level", next.Logging.Level))
			}
		}
	}()

	a.log.Info("signalpipe started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}
	if a.watchCancel != nil {
		a.watchCancel()
		a.watchWG.Wait()
	}

	// Gateway first (no new jobs), then drain the pool, then close storage.
	_ = a.gw.Stop(ctx)
	a.pool.Stop(ctx)
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}

// signalHistory adapts the store to the gateway's history-reset hook.
type signalHistory struct {
	store storage.Store
}

func (h signalHistory) ClearChannel(ctx context.Context, channelID string) (int64, error) {
	return h.store.ClearSignalsForChannel(ctx, channelID)
}
