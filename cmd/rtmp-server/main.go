package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/alxayo/go-rtmp/internal/config"
	"github.com/alxayo/go-rtmp/internal/logger"
	"github.com/alxayo/go-rtmp/internal/rtmp/admission"
	"github.com/alxayo/go-rtmp/internal/rtmp/auth"
	"github.com/alxayo/go-rtmp/internal/rtmp/channel"
	"github.com/alxayo/go-rtmp/internal/rtmp/command"
	"github.com/alxayo/go-rtmp/internal/rtmp/listener"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger.Init()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Logger().Warn("invalid RTMP_LOG_LEVEL, using default", "value", cfg.LogLevel)
	}
	log := logger.Logger().With("component", "cli")

	hub := channel.NewHub(cfg.GOPCacheSizeMB)

	concurrencyWhitelist, concurrencyAllowAll, err := config.ParseCIDRWhitelist(cfg.ConcurrentLimitWhitelist)
	if err != nil {
		log.Error("invalid CONCURRENT_LIMIT_WHITELIST", "error", err)
		os.Exit(1)
	}
	playWhitelist, playAllowAll, err := config.ParseCIDRWhitelist(cfg.RTMPPlayWhitelist)
	if err != nil {
		log.Error("invalid RTMP_PLAY_WHITELIST", "error", err)
		os.Exit(1)
	}
	adm := admission.New(cfg.MaxIPConcurrentConnections, concurrencyWhitelist, playWhitelist, concurrencyAllowAll, playAllowAll)

	authorizer := buildAuthorizer(cfg, log)
	if authorizer != nil {
		defer authorizer.Close()
	}

	ln := listener.New(listener.Config{
		BindAddress:           cfg.BindAddress,
		RTMPPort:              cfg.RTMPPort,
		SSLPort:               cfg.SSLPort,
		SSLCert:               cfg.SSLCert,
		SSLKey:                cfg.SSLKey,
		SSLCheckReloadSeconds: cfg.SSLCheckReloadSeconds,
		ChunkSize:             cfg.RTMPChunkSize,
		BufferSize:            cfg.MsgBufferSize,
		IDMaxLength:           cfg.IDMaxLength,
	}, hub, adm, authorizer, log)

	if err := ln.Start(); err != nil {
		log.Error("failed to start listener", "error", err)
		os.Exit(1)
	}
	log.Info("rtmp-server started", "bind", cfg.BindAddress, "rtmp_port", cfg.RTMPPort, "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sub *command.Subscriber
	if cfg.RedisUse {
		sub = command.New(redisOptions(cfg), cfg.RedisChannel, hub, log.With("component", "command_subscriber"))
		go sub.Run(ctx)
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := ln.Stop(); err != nil {
			log.Error("listener stop error", "error", err)
		}
		if sub != nil {
			_ = sub.Close()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("rtmp-server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after shutdown timeout")
	}
}

// buildAuthorizer wires exactly one of the two mutually exclusive
// Authorizer backends; config.Load already rejects the case where both
// CONTROL_USE and CALLBACK_URL are set. Returns nil if neither is
// configured, in which case every publish attempt fails closed.
func buildAuthorizer(cfg *config.Config, log *slog.Logger) auth.Authorizer {
	if cfg.ControlUse {
		return auth.NewControlAuthorizer(cfg.ControlBaseURL, cfg.ControlSecret, cfg.ExternalIP, cfg.ExternalPort, cfg.ExternalSSL, &websocket.Dialer{}, log.With("component", "auth_control"))
	}
	if auth.IsCallbackConfigured(cfg.CallbackURL) {
		return auth.NewCallbackAuthorizer(cfg.CallbackURL, cfg.JWTSecret, cfg.CustomJWTSubject, cfg.RTMPHost, auth.DefaultHTTPClient(5*time.Second), log.With("component", "auth_callback"))
	}
	log.Warn("no Authorizer backend configured; every publish will be rejected")
	return nil
}

func redisOptions(cfg *config.Config) *redis.Options {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{}
	}
	return opts
}
