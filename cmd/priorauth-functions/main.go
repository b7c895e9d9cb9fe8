package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/priorauth/priorauth/internal/config"
	"github.com/priorauth/priorauth/internal/domain/authrequest"
	"github.com/priorauth/priorauth/internal/generation"
	"github.com/priorauth/priorauth/internal/platform/auth"
	"github.com/priorauth/priorauth/internal/platform/db"
	"github.com/priorauth/priorauth/internal/platform/gotrue"
	"github.com/priorauth/priorauth/internal/platform/llm"
	"github.com/priorauth/priorauth/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "priorauth-functions",
		Short: "Justification and appeal generation functions",
	}
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the functions server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
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
	if err := cfg.ValidateFunctions(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		logger = logger.Level(lvl)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, "priorauth-functions", cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	scope, err := db.NewScope(pool, cfg.DBRLSRole)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid DB_RLS_ROLE")
	}

	verifier, err := auth.NewVerifier(ctx, jwtConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up token verification")
	}

	completer := llm.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.LLMModel, &http.Client{Timeout: 90 * time.Second})
	requests := authrequest.NewService(authrequest.NewRepo(scope), false)
	functions := generation.NewFunctions(completer, requests, logger)

	e := newEcho(cfg, logger, verifier, functions, db.HealthHandler(pool))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting functions server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// jwtConfig verifies callers' access tokens with the shared secret when one
// is set, otherwise through the issuer's key set. Signatures are skipped
// only with the explicit development opt-in.
func jwtConfig(cfg *config.Config) auth.JWTConfig {
	issuer := cfg.AuthIssuer
	if issuer == "" && cfg.SupabaseURL != "" {
		issuer = gotrue.New(cfg.SupabaseURL, cfg.SupabaseAnonKey, nil).Issuer()
	}
	jc := auth.JWTConfig{
		Issuer:   issuer,
		Audience: "authenticated",
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.AuthJWTSecret != "" {
		jc.SigningKey = []byte(cfg.AuthJWTSecret)
	}
	jc.Insecure = cfg.InsecureTokens()
	return jc
}

type routeRegistrar interface {
	RegisterRoutes(g *echo.Group)
}

func newEcho(cfg *config.Config, logger zerolog.Logger, verifier *auth.Verifier, functions routeRegistrar, health echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{
		ContentSecurityPolicy: middleware.APIContentSecurityPolicy,
		HSTS:                  cfg.IsProduction(),
	}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"authorization", "x-client-info", "apikey", "content-type"},
	}))
	e.Use(middleware.BodyLimit("64K", "64K"))
	e.Use(middleware.Audit(middleware.AuditConfig{
		Logger:    logger,
		Resources: map[string]string{"/functions/v1/generate-appeal": "authorization_request"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if health != nil {
		e.GET("/health/db", health)
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}

	fn := e.Group("/functions/v1",
		auth.JWTMiddleware(verifier),
		auth.RequireRole("authenticated"),
		middleware.RateLimit(rl),
		middleware.RequestTimeout(2*time.Minute),
	)
	functions.RegisterRoutes(fn)
	return e
}
