package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/reliefnet/fieldagent/internal/alerts"
	"github.com/reliefnet/fieldagent/internal/auth"
	"github.com/reliefnet/fieldagent/internal/backend"
	"github.com/reliefnet/fieldagent/internal/config"
	"github.com/reliefnet/fieldagent/internal/connectivity"
	"github.com/reliefnet/fieldagent/internal/drafts"
	"github.com/reliefnet/fieldagent/internal/handlers"
	"github.com/reliefnet/fieldagent/internal/middleware"
	"github.com/reliefnet/fieldagent/internal/models"
	"github.com/reliefnet/fieldagent/internal/session"
	"github.com/reliefnet/fieldagent/internal/store"
	"github.com/reliefnet/fieldagent/internal/store/redisstore"
	"github.com/reliefnet/fieldagent/internal/store/sqlstore"
	"github.com/reliefnet/fieldagent/internal/ws"
	"go.uber.org/zap"
)

var (
	addr    = flag.String("addr", "", "http service address (overrides AGENT_ADDR)")
	envFile = flag.String("env-file", "", "optional .env file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	var zl *zap.Logger
	if cfg.Environment == "production" {
		zl, err = zap.NewProduction()
	} else {
		zl, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := sqlstore.New(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		logger.Fatalw("Failed to open draft store", "driver", cfg.StoreDriver, "error", err)
	}
	defer st.Close()

	var home *models.Location
	if cfg.HomeLocation != nil {
		home = &models.Location{Lat: cfg.HomeLocation.Lat, Lng: cfg.HomeLocation.Lng}
	}
	sess := session.New(cfg.UserEmail, cfg.UserRole, cfg.APIToken, home)
	if sess.Expired(time.Now()) {
		logger.Warnw("API token has expired", "email", sess.Email, "expires_at", sess.ExpiresAt)
	}

	client := backend.New(backend.Options{
		BaseURL:          cfg.BackendURL,
		HazardReportPath: cfg.HazardReportPath,
		HealthPath:       cfg.HealthPath,
		Timeout:          cfg.RequestTimeout,
	}, sess)

	hub := ws.NewHub(logger, cfg.AllowedOrigins)
	go hub.Run(ctx)

	monitor := connectivity.NewMonitor(false, logger)
	monitor.OnTransition(func(online bool) {
		hub.Publish(ws.UpdateConnectivity, map[string]bool{"online": online})
	})

	policy := drafts.FailFast
	if cfg.SyncPolicy == config.SyncBestEffort {
		policy = drafts.BestEffort
	}
	syncer := drafts.NewSynchronizer(st, client, monitor, logger, drafts.Options{
		Policy:        policy,
		DefaultRegion: cfg.DefaultRegion,
	})
	if err := syncer.Recover(ctx); err != nil {
		logger.Errorw("Failed to recover drafts", "error", err)
	}
	syncer.OnChange(func(ev drafts.Event) { hub.Publish(ws.UpdateDraft, ev) })
	monitor.OnTransition(syncer.OnConnectivity)
	go monitor.Probe(ctx, client, cfg.ProbeInterval)

	header := http.Header{}
	if a := sess.Authorization(); a != "" {
		header.Set("Authorization", a)
	}
	channel := ws.NewChannel(cfg.EventChannelURL, logger, ws.ChannelOptions{
		Header: header,
		State:  channelState{hub: hub},
	})
	go channel.Run(ctx)

	seen := seenStore(ctx, cfg, logger)
	feed := alerts.NewFeed(client, seen, sess, logger, func(list []models.Alert) {
		hub.Publish(ws.UpdateAlert, list)
	})
	channel.Subscribe(feed.Apply)
	if home != nil {
		go feed.Run(ctx, cfg.AlertRefreshInterval)
	} else {
		logger.Infow("No home location, alert refresh disabled")
	}

	chat := &handlers.ChatHandler{
		Channel:      channel,
		Session:      sess,
		Hub:          hub,
		Logger:       logger,
		MaxMediaEdge: cfg.MaxImageEdge,
	}

	signer := auth.NewSigner(cfg.CookieSecret)
	var guard *auth.Signer
	if cfg.PINHash != "" {
		guard = signer
	}
	api := &handlers.API{
		Session: &handlers.SessionHandler{Session: sess, Signer: signer, PINHash: []byte(cfg.PINHash), TTL: 12 * time.Hour},
		Drafts:  &handlers.DraftHandler{Drafts: syncer, Logger: logger},
		Chat:    chat,
		Alerts:  &handlers.AlertHandler{Feed: feed, Home: home, Logger: logger},
		Status:  &handlers.StatusHandler{Conn: monitor, Store: st, Session: sess},
		Hub:     hub,
		Auth:    middleware.AuthMiddleware(guard, nil),
		Logging: middleware.LoggingMiddleware(logger),
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           c.Handler(api.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infow("Starting agent", "addr", cfg.Addr, "backend", cfg.BackendURL, "email", sess.Email, "role", sess.Role)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("Server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Infow("Shutting down")
	chat.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("Shutdown failed", "error", err)
		os.Exit(1)
	}
}

// channelState surfaces the event channel's link state to the local UI. It
// does not feed the connectivity monitor, which only trusts the REST probe.
type channelState struct {
	hub *ws.Hub
}

func (s channelState) Set(up bool) {
	s.hub.Publish(ws.UpdateConnectivity, map[string]bool{"events": up})
}

func seenStore(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) store.SeenStore {
	if cfg.RedisURL == "" {
		return alerts.NewMemorySeen()
	}
	rs, err := redisstore.New(ctx, cfg.RedisURL, "fieldagent:seen:"+cfg.UserEmail, 7*24*time.Hour)
	if err != nil {
		logger.Warnw("Redis unavailable, remembering seen alerts in memory", "error", err)
		return alerts.NewMemorySeen()
	}
	return rs
}
