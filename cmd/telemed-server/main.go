package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/telemed/telemed/internal/config"
	"github.com/telemed/telemed/internal/domain/consultation"
	"github.com/telemed/telemed/internal/domain/recording"
	"github.com/telemed/telemed/internal/platform/auth"
	"github.com/telemed/telemed/internal/platform/db"
	"github.com/telemed/telemed/internal/platform/middleware"
	"github.com/telemed/telemed/internal/platform/notification"
	"github.com/telemed/telemed/internal/provider"
	"github.com/telemed/telemed/internal/signaling"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "telemed-server",
		Short: "Telemedicine consultation API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the consultation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	jwtCfg := buildJWTConfig(cfg)

	rateLimitCfg := middleware.DefaultRateLimitConfig()

	// Webhooks authenticate with provider signatures and WebSocket dials
	// carry the token in the query string, so both live outside the
	// JWT-guarded group.
	public := e.Group("/api/v1")
	public.Use(middleware.RateLimit(rateLimitCfg))

	api := e.Group("/api/v1")
	if cfg.IsDev() {
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(jwtCfg))
	}
	api.Use(middleware.Audit(logger))
	api.Use(middleware.RateLimit(rateLimitCfg))

	e.GET("/health", func(c echo.Context) error {
		hctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()
		if err := pool.Ping(hctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  "database unreachable",
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	providers := buildProviderRegistry(cfg, logger)
	logger.Info().Strs("providers", providers.Names()).
		Str("default", cfg.DefaultVideoProvider).Msg("video providers registered")

	earlyStart, lateStart := cfg.StartWindow()
	tplEngine := notification.NewTemplateEngine()
	notifyMgr := notification.NewManager(
		notification.NewLogEmailSender(logger),
		notification.NewLogSMSSender(logger),
		tplEngine,
	)
	notifier := notification.NewConsultationNotifier(notifyMgr, notification.NoopDirectory{}, logger)

	consultSvc := consultation.NewService(consultation.ServiceDeps{
		Pool:            pool,
		Consultations:   consultation.NewConsultationRepoPG(pool),
		Participants:    consultation.NewParticipantRepoPG(pool),
		Messages:        consultation.NewMessageRepoPG(pool),
		Issues:          consultation.NewTechnicalIssueRepoPG(pool),
		ProviderConfigs: consultation.NewProviderConfigRepoPG(pool),
		Providers:       providers,
		Booking:         logBooking{logger: logger},
		Notifier:        notifier,
		Window:          consultation.WindowPolicy{EarlyStart: earlyStart, LateStart: lateStart},
		DefaultProvider: cfg.DefaultVideoProvider,
		Logger:          logger,
	})

	recordingSvc := recording.NewService(
		recording.NewRepoPG(pool),
		consultation.NewConsultationRepoPG(pool),
		providers,
		cfg.RecordingTokenSecret,
		cfg.RecordingURLTTL(),
		logger,
	)
	consultSvc.SetRecordingIngestor(recordingSvc)

	hub := signaling.NewHub(logger)
	consultSvc.SetPublisher(hub)
	recordingSvc.SetPublisher(hub)

	consultation.NewHandler(consultSvc).RegisterRoutes(api)
	recordingHandler := recording.NewHandler(recordingSvc)
	recordingHandler.RegisterRoutes(api)
	recordingHandler.RegisterPublicRoutes(public)
	provider.NewWebhookHandler(providers, consultSvc, logger).RegisterRoutes(public)

	pingInterval, pingMissLimit := cfg.PingPolicy()
	signaling.NewHandler(hub, consultSvc, jwtCfg, pingInterval, pingMissLimit, logger).
		RegisterRoutes(public)

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func buildJWTConfig(cfg *config.Config) auth.JWTConfig {
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return jwtCfg
}

// buildProviderRegistry registers jitsi unconditionally and zoom/daily only
// when their credentials are configured.
func buildProviderRegistry(cfg *config.Config, logger zerolog.Logger) *provider.Registry {
	reg := provider.NewRegistry()

	reg.Register(provider.NewJitsi(provider.JitsiConfig{
		BaseURL:   cfg.JitsiBaseURL,
		AppID:     cfg.JitsiAppID,
		AppSecret: cfg.JitsiAppSecret,
	}))

	if cfg.ZoomAccountID != "" && cfg.ZoomClientID != "" && cfg.ZoomClientSecret != "" {
		reg.Register(provider.NewZoom(provider.ZoomConfig{
			AccountID:     cfg.ZoomAccountID,
			ClientID:      cfg.ZoomClientID,
			ClientSecret:  cfg.ZoomClientSecret,
			WebhookSecret: cfg.ZoomWebhookSecret,
		}))
		if cfg.ZoomWebhookSecret == "" {
			logger.Warn().Msg("zoom registered without a webhook secret; every zoom webhook will be rejected")
		}
	}

	if cfg.DailyAPIKey != "" {
		reg.Register(provider.NewDaily(provider.DailyConfig{
			APIKey:        cfg.DailyAPIKey,
			WebhookSecret: cfg.DailyWebhookSecret,
			Domain:        cfg.DailyDomain,
		}))
		if cfg.DailyWebhookSecret == "" {
			logger.Warn().Msg("daily registered without a webhook secret; every daily webhook will be rejected")
		}
	}

	return reg
}

// logBooking is the development stand-in for the external booking service.
type logBooking struct {
	logger zerolog.Logger
}

func (b logBooking) MarkCompleted(_ context.Context, bookingID uuid.UUID) error {
	b.logger.Info().Str("booking_id", bookingID.String()).Msg("booking marked completed")
	return nil
}
