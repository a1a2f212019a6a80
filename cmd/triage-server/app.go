package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vitalred/triage/internal/config"
	"github.com/vitalred/triage/internal/domain/audit"
	"github.com/vitalred/triage/internal/domain/escalation"
	"github.com/vitalred/triage/internal/domain/evaluator"
	"github.com/vitalred/triage/internal/domain/metrics"
	"github.com/vitalred/triage/internal/domain/notify"
	"github.com/vitalred/triage/internal/domain/referral"
	"github.com/vitalred/triage/internal/platform/auth"
	"github.com/vitalred/triage/internal/platform/blobstore"
	"github.com/vitalred/triage/internal/platform/db"
	"github.com/vitalred/triage/internal/platform/eventbus"
	"github.com/vitalred/triage/internal/platform/ingest"
	"github.com/vitalred/triage/internal/platform/jobs"
	"github.com/vitalred/triage/internal/platform/middleware"
	"github.com/vitalred/triage/internal/platform/notification"
	"github.com/vitalred/triage/internal/platform/reporting"
	"github.com/vitalred/triage/internal/platform/telemetry"
	"github.com/vitalred/triage/internal/platform/websocket"
)

// Background job names, usable with "triage-server run".
const (
	jobEscalation   = "escalation"
	jobGauges       = "metrics"
	jobDailyReport  = "daily-report"
	jobRetry        = "notification-retry"
	jobRetention    = "notification-retention"
	jobFollowUps    = "follow-ups"
	jobOutboxRelay  = "outbox-relay"
	devBlobBasePath = "/dev/attachments"
)

var jobNames = []string{
	jobEscalation, jobGauges, jobDailyReport, jobRetry, jobRetention, jobFollowUps, jobOutboxRelay,
}

// app holds every long-lived component of one server process.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool      *pgxpool.Pool
	redis     *redis.Client
	bus       eventbus.Bus
	nats      *eventbus.NATSBus
	blobs     blobstore.Store
	devBlobs  *blobstore.InMemoryStore
	hub       *websocket.Hub
	telemetry *telemetry.Provider
	scheduler *jobs.Scheduler
	sources   []ingest.Source

	evaluators *evaluator.Service
	audit      *audit.Recorder
	referrals  *referral.Service
	notifier   *notify.Dispatcher
	sweeper    *escalation.Sweeper
	aggregator *metrics.Aggregator
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.pool = pool
	logger.Info().Msg("connected to database")

	var awsCfg *aws.Config
	if a.needsAWS() {
		c, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		awsCfg = &c
	}

	if err := a.initBus(logger); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initLocker(ctx, logger); err != nil {
		a.Close()
		return nil, err
	}
	a.initBlobs(awsCfg)

	a.hub = websocket.NewHub(logger)
	a.audit = audit.NewRecorder(audit.NewRepoPG(pool), logger)
	a.evaluators = evaluator.NewService(evaluator.NewRepoPG(pool), a.audit)

	a.referrals = referral.NewService(referral.NewRepoPG(pool), db.NewTransactor(pool), a.evaluators, a.audit,
		a.bus, a.blobs, referral.Config{
			UrgentThreshold: cfg.UrgentThreshold,
			AttachmentTTL:   blobstore.DefaultLinkTTL,
			MaxRelays:       referral.DefaultConfig().MaxRelays,
		}, logger)

	a.notifier = notify.NewDispatcher(notify.NewRepoPG(pool), a.evaluators, a.hub, a.channels(awsCfg), a.audit,
		notify.Config{
			UrgentThreshold:     cfg.UrgentThreshold,
			SMSThreshold:        cfg.SMSThreshold,
			ChannelTimeout:      cfg.ChannelTimeout,
			MaxAttempts:         cfg.NotifyMaxAttempts,
			BackoffBase:         cfg.NotifyBackoffBase,
			BackoffCap:          cfg.NotifyBackoffCap,
			Retention:           time.Duration(cfg.NotificationRetention) * 24 * time.Hour,
			UrgentEmailsPerHour: cfg.UrgentEmailsPerHour,
		}, logger)

	a.sweeper = escalation.NewSweeper(a.referrals, a.notifier, a.audit, escalation.Config{
		Threshold: cfg.EscalationThreshold,
		Batch:     escalation.DefaultConfig().Batch,
	}, logger)

	mcfg := metrics.DefaultConfig()
	mcfg.UrgentThreshold = cfg.UrgentThreshold
	a.aggregator = metrics.NewAggregator(metrics.NewRepoPG(pool), a.hub, mcfg, logger)

	// Outbox rows count as delivered once the notifier has handled them.
	if err := a.notifier.Subscribe(eventbus.Acked(a.bus, a.referrals.AckDelivered)); err != nil {
		a.Close()
		return nil, fmt.Errorf("subscribe notifications: %w", err)
	}
	if err := a.aggregator.Subscribe(a.bus); err != nil {
		a.Close()
		return nil, fmt.Errorf("subscribe metrics: %w", err)
	}

	a.registerJobs()
	a.initSources(awsCfg)

	a.telemetry = telemetry.NewProvider()
	a.telemetry.RegisterPool(pool)
	a.telemetry.MustRegister(a.scheduler.Collectors()...)
	a.telemetry.MustRegister(a.audit.Collectors()...)
	a.telemetry.MustRegister(a.notifier.Collectors()...)
	a.telemetry.MustRegister(a.sweeper.Collectors()...)
	a.telemetry.MustRegister(a.aggregator.Collectors()...)
	return a, nil
}

func (a *app) needsAWS() bool {
	return a.cfg.SQSQueueName != "" || a.cfg.AttachmentsBucket != "" ||
		(!a.cfg.IsDev() && a.cfg.SNSPushTopicPrefix != "")
}

// awsEndpoint points AWS clients at a local emulator when AWS_ENDPOINT_URL
// is set.
func (a *app) awsEndpoint() *string {
	if a.cfg.AWSEndpointURL == "" {
		return nil
	}
	return aws.String(a.cfg.AWSEndpointURL)
}

func (a *app) initBus(logger zerolog.Logger) error {
	if a.cfg.NATSURL == "" {
		mc := eventbus.DefaultMemoryConfig()
		mc.Workers = a.cfg.EventWorkers
		a.bus = eventbus.NewMemoryBus(mc, logger)
		return nil
	}
	nb, err := eventbus.NewNATSBus(eventbus.NATSConfig{
		URL:           a.cfg.NATSURL,
		Name:          "triage-server",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		SubjectPrefix: "triage.",
	}, logger)
	if err != nil {
		return err
	}
	a.nats = nb
	a.bus = nb
	return nil
}

func (a *app) initLocker(ctx context.Context, logger zerolog.Logger) error {
	if a.cfg.RedisURL == "" {
		// Advisory locks also exclude `run <job>` from the serving process.
		a.scheduler = jobs.NewScheduler(jobs.NewPGLocker(a.pool), logger)
		return nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	a.redis = redis.NewClient(opts)
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	a.scheduler = jobs.NewScheduler(jobs.NewRedisLocker(a.redis, "triage:jobs:"), logger)
	return nil
}

func (a *app) initBlobs(awsCfg *aws.Config) {
	if a.cfg.AttachmentsBucket == "" || awsCfg == nil {
		a.devBlobs = blobstore.NewInMemoryStore("http://localhost:" + a.cfg.Port + devBlobBasePath)
		a.blobs = a.devBlobs
		return
	}
	client := s3.NewFromConfig(*awsCfg, func(o *s3.Options) {
		if ep := a.awsEndpoint(); ep != nil {
			o.BaseEndpoint = ep
			o.UsePathStyle = true
		}
	})
	a.blobs = blobstore.NewS3Store(client, a.cfg.AttachmentsBucket)
}

// channels picks the outbound providers. Without credentials messages are
// only logged.
func (a *app) channels(awsCfg *aws.Config) notify.Channels {
	logSender := notification.NewLogSender(a.logger)
	ch := notify.Channels{Email: logSender, SMS: logSender, Push: logSender}
	if a.cfg.SendGridAPIKey != "" {
		ch.Email = notification.NewSendGridSender(a.cfg.SendGridAPIKey, a.cfg.EmailFrom, a.cfg.EmailFromName)
	}
	if awsCfg != nil && !a.cfg.IsDev() {
		client := sns.NewFromConfig(*awsCfg, func(o *sns.Options) {
			if ep := a.awsEndpoint(); ep != nil {
				o.BaseEndpoint = ep
			}
		})
		ch.SMS = notification.NewSNSSMSSender(client, "VitalRed")
		if a.cfg.SNSPushTopicPrefix != "" {
			ch.Push = notification.NewSNSPushSender(client, a.cfg.SNSPushTopicPrefix)
		}
	}
	return ch
}

func (a *app) initSources(awsCfg *aws.Config) {
	if a.cfg.SQSQueueName != "" && awsCfg != nil {
		client := sqs.NewFromConfig(*awsCfg, func(o *sqs.Options) {
			if ep := a.awsEndpoint(); ep != nil {
				o.BaseEndpoint = ep
			}
		})
		a.sources = append(a.sources, ingest.NewSQSSource(client, a.cfg.SQSQueueName, a.logger))
	}
	if len(a.cfg.KafkaBrokers) > 0 {
		reader := ingest.NewKafkaReader(a.cfg.KafkaBrokers, a.cfg.KafkaTopic, a.cfg.KafkaGroupID)
		a.sources = append(a.sources, ingest.NewKafkaSource(reader, a.cfg.KafkaTopic, a.logger))
	}
}

func (a *app) registerJobs() {
	a.scheduler.Register(jobs.Job{
		Name:     jobEscalation,
		Interval: a.cfg.EscalationInterval,
		Run: func(ctx context.Context) error {
			res, err := a.sweeper.Run(ctx)
			if err != nil {
				return err
			}
			a.logger.Info().Int("overdue", res.Overdue).Int("escalated", res.Escalated).Msg("escalation sweep finished")
			return nil
		},
	})
	a.scheduler.Register(jobs.Job{
		Name:     jobGauges,
		Interval: a.cfg.MetricsInterval,
		Run: func(ctx context.Context) error {
			_, err := a.aggregator.CaptureGauges(ctx)
			return err
		},
	})
	a.scheduler.Register(jobs.Job{
		Name:     jobDailyReport,
		Interval: time.Hour,
		LockTTL:  10 * time.Minute,
		Run: func(ctx context.Context) error {
			snaps, err := a.aggregator.Rollup(ctx)
			if err != nil {
				return err
			}
			for _, s := range snaps {
				a.logger.Info().Str("period", s.Period).Time("date", s.SnapshotDate).
					Int("received", s.TotalReceived).Int("evaluated", s.TotalEvaluated).Msg("metrics snapshot stored")
			}
			return nil
		},
	})
	a.scheduler.Register(jobs.Job{
		Name:     jobRetry,
		Interval: a.cfg.DeliveryInterval,
		LockTTL:  5 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := a.notifier.RetryDue(ctx, 200)
			return err
		},
	})
	a.scheduler.Register(jobs.Job{
		Name:     jobRetention,
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			n, err := a.notifier.Purge(ctx)
			if err == nil && n > 0 {
				a.logger.Info().Int64("deleted", n).Msg("old notifications purged")
			}
			return err
		},
	})
	a.scheduler.Register(jobs.Job{
		Name:     jobFollowUps,
		Interval: 15 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := a.referrals.EmitFollowUps(ctx, a.cfg.FollowUpAfter, 200)
			return err
		},
	})
	a.scheduler.Register(jobs.Job{
		Name:     jobOutboxRelay,
		Interval: time.Minute,
		Run: func(ctx context.Context) error {
			_, err := a.referrals.RelayOutbox(ctx, 30*time.Second, 200)
			return err
		},
	})
}

func (a *app) authMiddleware() (echo.MiddlewareFunc, error) {
	if a.cfg.IsDev() {
		return auth.DevAuthMiddleware(a.cfg.DevUserID), nil
	}
	key, err := resolveSigningKey(a.cfg.AuthSigningKey)
	if err != nil {
		return nil, err
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		JWKSURL:    a.cfg.AuthJWKSURL,
		SigningKey: key,
	}), nil
}

func (a *app) healthChecks() []db.Check {
	var checks []db.Check
	if a.redis != nil {
		checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	if a.nats != nil {
		checks = append(checks, db.Check{Name: "nats", Ping: a.nats.Ping})
	}
	return checks
}

func (a *app) router() (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.HTTPErrorHandler(a.logger)

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Metadata())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.telemetry.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, a.healthChecks()...))
	e.GET("/metrics", a.telemetry.Handler())

	authMw, err := a.authMiddleware()
	if err != nil {
		return nil, err
	}
	e.GET("/ws", websocket.NewHandler(a.hub, a.cfg.CORSOrigins).HandleConnect, authMw)

	api := e.Group("/api/v1", authMw, middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
	}))
	evaluator.NewHandler(a.evaluators).RegisterRoutes(api)
	referral.NewHandler(a.referrals).RegisterRoutes(api)
	audit.NewHandler(a.audit).RegisterRoutes(api)
	notify.NewHandler(a.notifier).RegisterRoutes(api)
	metrics.NewHandler(a.aggregator).RegisterRoutes(api)
	reporting.NewHandler(a.pool, a.logger).RegisterRoutes(api)

	if a.devBlobs != nil {
		e.GET(devBlobBasePath+"/:key", a.serveDevBlob)
	}
	return e, nil
}

// serveDevBlob serves attachments held by the in-memory store behind the
// links it presigns.
func (a *app) serveDevBlob(c echo.Context) error {
	key, err := url.PathUnescape(c.Param("key"))
	if err != nil {
		return middleware.APIError(http.StatusBadRequest, "bad_request", "invalid key")
	}
	body, obj, err := a.devBlobs.Open(key)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return middleware.APIError(http.StatusNotFound, "not_found", "attachment not found")
	}
	if err != nil {
		return err
	}
	if name := c.QueryParam("filename"); name != "" {
		c.Response().Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	c.Response().Header().Set(echo.HeaderContentType, obj.ContentType)
	c.Response().WriteHeader(http.StatusOK)
	_, err = io.Copy(c.Response(), body)
	return err
}

// Run serves HTTP and runs the event bus, the scheduler and the intake
// consumers until ctx is cancelled or one of them fails.
func (a *app) Run(ctx context.Context) error {
	e, err := a.router()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.bus.Run(gctx) })
	g.Go(func() error { return a.scheduler.Start(gctx) })
	for _, src := range a.sources {
		src := src
		g.Go(func() error {
			a.logger.Info().Str("source", src.Name()).Msg("starting intake consumer")
			return src.Run(gctx, a.referrals.IngestHandler())
		})
	}
	g.Go(func() error {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})
	return g.Wait()
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
