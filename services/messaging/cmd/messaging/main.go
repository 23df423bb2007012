package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"motochat/internal/ratelimit"
	"motochat/internal/servicetoken"
	"motochat/internal/usertoken"
	"motochat/internal/util"
	"motochat/pkg/events"
	"motochat/pkg/queue"
	"motochat/pkg/storage"
	"motochat/pkg/store"
	"motochat/services/messaging/internal/app"
	"motochat/services/messaging/internal/bookingclient"
	"motochat/services/messaging/internal/config"
	"motochat/services/messaging/internal/metrics"
	"motochat/services/messaging/internal/realtime"
	"motochat/services/messaging/internal/retention"
	"motochat/services/messaging/internal/security"
	"motochat/services/messaging/internal/server"
	"motochat/services/messaging/internal/userclient"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, closeLogs := util.InitLogger(cfg.LogLevel, "messaging", cfg.LogsDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil {
		logger.Error("messaging_exit", "err", err)
	}
	if closeLogs != nil {
		closeLogs()
	}
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig) error {
	m := metrics.New()

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
	}

	var revoker usertoken.Revoker = usertoken.NewMemoryRevoker()
	if redisClient != nil {
		revoker = usertoken.NewRedisRevoker(redisClient, "motochat:revoked")
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     cfg.JWTLeewayDuration(),
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		Revoker:    revoker,
	})
	if err != nil {
		return err
	}

	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
		PrivateKeyPath: cfg.InternalJWTPrivateKeyPath,
		KeyID:          cfg.InternalJWTKeyID,
		Issuer:         "messaging",
	})
	if err != nil {
		return err
	}
	verifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		return err
	}
	var replay servicetoken.ReplayGuard = servicetoken.NewMemoryReplayGuard()
	if redisClient != nil {
		replay = servicetoken.NewRedisReplayGuard(redisClient, "motochat:service-jti")
	}
	serviceVerifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
		PublicKeyPath:      cfg.InternalJWTPublicKeyPath,
		VerifyPublicKeyMap: verifyKeys,
		DefaultKeyID:       cfg.InternalJWTKeyID,
		Audience:           "messaging",
		AllowedIssuers:     cfg.InternalJWTAllowedIssuers,
		Replay:             replay,
	})
	if err != nil {
		return err
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return err
		}
		objects = minioStore
	} else {
		slog.Warn("attachments_disabled", "reason", "minioEndpoint not set")
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}

	hub := realtime.NewHub(m)
	var bus *realtime.Bus
	if cfg.FanoutChannel != "" {
		bus, err = realtime.NewBus(redisClient, cfg.FanoutChannel, hub)
		if err != nil {
			return err
		}
	}

	appCfg := app.Config{
		Store:              st,
		Bookings:           bookingclient.NewClient(cfg.BookingServiceURL, signer),
		Users:              userclient.NewClient(cfg.UserServiceURL, signer),
		Notifier:           hub,
		Events:             publisher,
		Objects:            objects,
		Metrics:            m,
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
	}
	var refreshQueue *queue.RefreshQueue
	if redisClient != nil {
		refreshQueue, err = queue.NewRefreshQueue(redisClient, queue.Config{Stream: cfg.PreviewQueueStream})
		if err != nil {
			return err
		}
		appCfg.Queue = refreshQueue
	}
	messaging, err := app.New(appCfg)
	if err != nil {
		return err
	}

	proxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	var connectLimiter, sendLimiter ratelimit.Limiter
	if cfg.ConnectRateLimitPerMinute > 0 {
		if connectLimiter, err = ratelimit.NewRedisFixedWindowLimiter(redisClient, "motochat:ratelimit:connect", cfg.ConnectRateLimitPerMinute, time.Minute); err != nil {
			return err
		}
	}
	if cfg.SendRateLimitPerMinute > 0 {
		if sendLimiter, err = ratelimit.NewRedisFixedWindowLimiter(redisClient, "motochat:ratelimit:send", cfg.SendRateLimitPerMinute, time.Minute); err != nil {
			return err
		}
	}

	alerter := security.NewAuditAlerter(redisClient, "motochat:alerts")

	gateway, err := realtime.NewGateway(realtime.GatewayConfig{
		Hub:            hub,
		Verifier:       verifier,
		Authorizer:     messaging,
		ConnectLimiter: connectLimiter,
		TrustedProxies: proxies,
		AllowedOrigins: cfg.AllowedOrigins,
		Alerter:        alerter,
	})
	if err != nil {
		return err
	}
	httpServer, err := server.New(server.Config{
		App:             messaging,
		Gateway:         gateway,
		Verifier:        verifier,
		ServiceVerifier: serviceVerifier,
		SendLimiter:     sendLimiter,
		Metrics:         m,
		AllowedOrigins:  cfg.AllowedOrigins,
		TrustedProxies:  proxies,
		Alerter:         alerter,
		MaxUploadBytes:  cfg.MaxAttachmentBytes,
	})
	if err != nil {
		return err
	}

	sweeper, err := retention.New(retention.Config{
		Store:     st,
		Objects:   objects,
		Metrics:   m,
		Cron:      cfg.RetentionCron,
		Window:    cfg.RetentionWindowDuration(),
		BatchSize: cfg.RetentionBatchSize,
	})
	if err != nil {
		return err
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("messaging server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	if refreshQueue != nil {
		g.Go(func() error { return refreshQueue.Run(gctx, 2, messaging.HandleRefreshJob) })
	}
	if bus != nil {
		g.Go(func() error { return bus.Run(gctx) })
		g.Go(func() error {
			select {
			case <-bus.Ready():
				hub.SetFanout(bus)
			case <-gctx.Done():
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("messaging_shutdown_failed", "err", err)
		}
		return nil
	})
	return g.Wait()
}
