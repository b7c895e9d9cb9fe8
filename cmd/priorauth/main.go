package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/priorauth/priorauth/internal/config"
	"github.com/priorauth/priorauth/internal/domain/authrequest"
	"github.com/priorauth/priorauth/internal/domain/documents"
	"github.com/priorauth/priorauth/internal/domain/identity"
	"github.com/priorauth/priorauth/internal/extraction"
	"github.com/priorauth/priorauth/internal/generation"
	"github.com/priorauth/priorauth/internal/platform/apperr"
	"github.com/priorauth/priorauth/internal/platform/blobstore"
	"github.com/priorauth/priorauth/internal/platform/db"
	"github.com/priorauth/priorauth/internal/platform/gotrue"
	"github.com/priorauth/priorauth/internal/platform/notification"
	"github.com/priorauth/priorauth/internal/requeststore"
	"github.com/priorauth/priorauth/internal/session"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "priorauth",
		Short:         "Prior authorization request manager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(signupCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", apperr.Message(err))
		os.Exit(1)
	}
}

// newLogger writes to w: JSON in production, console output in development.
func newLogger(w io.Writer, cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

// app is the composition root: one session manager and one request store
// per process, built here and handed to whoever needs them.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool      *pgxpool.Pool
	sessions  *session.Manager
	notes     *notification.Manager
	store     *requeststore.Store
	archive   *documents.Archive
	extractor *extraction.Client
	generator *generation.Client
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp wires every component. The session manager is not started yet:
// commands resolve it before running, the web UI resolves it in the
// background behind the loading page.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(os.Stderr, cfg)
	a := &app{cfg: cfg, logger: logger}

	var (
		requests authrequest.Repository = unavailableRepo{}
		profiles session.ProfileLoader
	)
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL is not set; requests cannot be loaded or saved")
	} else if pool, err := db.NewPool(ctx, cfg.DatabaseURL, "priorauth", cfg.DBMaxConns, cfg.DBMinConns); err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
	} else {
		scope, err := db.NewScope(pool, cfg.DBRLSRole)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.pool = pool
		requests = authrequest.NewService(authrequest.NewRepo(scope), cfg.StrictStatusTransitions)
		profiles = identity.NewProfileRepo(scope)
	}

	storePath := cfg.SessionFile
	if storePath == "" {
		if storePath, err = session.DefaultPath(); err != nil {
			a.Close()
			return nil, err
		}
	}

	provider := gotrue.New(cfg.SupabaseURL, cfg.SupabaseAnonKey, nil)
	a.sessions = session.NewManager(provider, profiles, session.NewFileStore(storePath), logger, session.Options{})
	a.notes = notification.NewManager(logger)
	a.store = requeststore.New(requests, a.sessions, a.notes, logger, requeststore.Options{
		StaleTime:  cfg.CacheStaleTime,
		Retries:    cfg.ReadRetries,
		RetryDelay: cfg.ReadRetryDelay,
	})

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.archive = documents.NewArchive(blobs, logger)

	outbound := &http.Client{Timeout: 2 * time.Minute}
	a.extractor = extraction.New(cfg.APIBaseURL, outbound, logger)
	a.generator = generation.New(cfg.FunctionsURL, cfg.SupabaseAnonKey, a.sessions, outbound, logger)

	return a, nil
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	if cfg.BlobBackend != "minio" {
		return blobstore.NewInMemoryBlobStore(), nil
	}
	return blobstore.NewMinioBlobStore(ctx, blobstore.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// requireSession fails commands that need a signed-in user.
func (a *app) requireSession() (*session.State, error) {
	st := a.sessions.State()
	if !st.Authenticated {
		return nil, apperr.Auth("priorauth", "not signed in; run `priorauth login` first", nil)
	}
	return &st, nil
}

// unavailableRepo stands in for the data store when no database is
// reachable, so sign-in still works and reads fail with a clear error.
type unavailableRepo struct{}

var errNoDataStore = errors.New("no data store configured")

func (unavailableRepo) ListForProvider(context.Context, uuid.UUID) ([]*authrequest.Request, error) {
	return nil, apperr.E(apperr.KindRepository, "authrequest.ListForProvider", "Data store is unavailable", errNoDataStore)
}

func (unavailableRepo) GetByID(context.Context, uuid.UUID) (*authrequest.Request, error) {
	return nil, apperr.E(apperr.KindRepository, "authrequest.GetByID", "Data store is unavailable", errNoDataStore)
}

func (unavailableRepo) Create(context.Context, *authrequest.CreateInput) (*authrequest.Request, error) {
	return nil, apperr.E(apperr.KindRepository, "authrequest.Create", "Data store is unavailable", errNoDataStore)
}

func (unavailableRepo) Update(context.Context, uuid.UUID, *authrequest.UpdateInput) (*authrequest.Request, error) {
	return nil, apperr.E(apperr.KindRepository, "authrequest.Update", "Data store is unavailable", errNoDataStore)
}

func (unavailableRepo) Delete(context.Context, uuid.UUID) error {
	return apperr.E(apperr.KindRepository, "authrequest.Delete", "Data store is unavailable", errNoDataStore)
}
