package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/veramed/caregate/internal/apiclient"
	"github.com/veramed/caregate/internal/auth"
	"github.com/veramed/caregate/internal/broadcast"
	"github.com/veramed/caregate/internal/config"
	"github.com/veramed/caregate/internal/crypto"
	"github.com/veramed/caregate/internal/idp"
	"github.com/veramed/caregate/internal/log"
	"github.com/veramed/caregate/internal/metrics"
	"github.com/veramed/caregate/internal/profile"
	"github.com/veramed/caregate/internal/proxy"
	"github.com/veramed/caregate/internal/server"
	"github.com/veramed/caregate/internal/session"
)

var version = "dev"

func main() {
	var (
		envFile     = flag.String("env-file", "", "Path to a .env file to load before reading the environment")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.LogError("Failed to load env file %s: %v", *envFile, err)
			os.Exit(1)
		}
	} else {
		// Best effort; a missing .env is the normal production case.
		_ = godotenv.Load()
	}

	if err := run(); err != nil {
		log.LogError("Fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config.Config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient redis.UniversalClient
	needsRedis := cfg.ProfileStore == config.StoreRedis
	if needsRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer redisClient.Close()
	}

	profiles, closeProfiles, err := buildProfileStore(ctx, &cfg, redisClient)
	if err != nil {
		return err
	}
	if closeProfiles != nil {
		defer closeProfiles()
	}

	var broadcaster broadcast.Broadcaster
	if redisClient != nil {
		// With Redis available, logout events reach every gateway instance.
		broadcaster = broadcast.NewRedis(ctx, redisClient)
	} else {
		broadcaster = broadcast.NewMemory()
	}
	defer broadcaster.Close()

	exchanger, err := buildExchanger(&cfg)
	if err != nil {
		return err
	}

	provider, err := buildProvider(ctx, &cfg)
	if err != nil {
		return err
	}

	signingKey := cfg.StateSigningKey
	if signingKey == "" {
		// Without a configured key, state tokens only survive one process.
		generated, err := crypto.GenerateSecureToken()
		if err != nil {
			return fmt.Errorf("generating state key: %w", err)
		}
		signingKey = generated
		log.LogWarnWithFields("main", "STATE_SIGNING_KEY not set, using an ephemeral key", nil)
	}
	stateSigner := crypto.NewTokenSigner([]byte(signingKey), 10*time.Minute)

	m := metrics.New()
	materializer := session.NewMaterializer(cfg.Session.CredentialTokenTTL, cfg.Session.OAuthTokenTTL, broadcaster)
	authHandler := server.NewAuthHandler(exchanger, provider, materializer, profiles, stateSigner)

	var proxyHandler http.Handler
	if cfg.BackendBaseURL != "" {
		proxyHandler = proxy.New(cfg.BackendBaseURL, cfg.Proxy.Timeout, m,
			proxy.WithRefresher(proxy.ExchangerRefresher{Exchanger: exchanger}))
	}

	// Fleet-wide inactivity watchdog: when no authenticated request has
	// arrived within the window, every connected browser is told to log out.
	watchdog := apiclient.NewWatchdog(cfg.Session.InactivityWindow, cfg.Session.InactivityPoll, func() {
		m.SessionsEnded.WithLabelValues(broadcast.ReasonInactivity).Inc()
		if err := broadcaster.Publish(context.Background(), broadcast.NewLogoutEvent("", broadcast.ReasonInactivity)); err != nil {
			log.LogWarnWithFields("main", "Failed to publish inactivity logout", map[string]any{
				"error": err.Error(),
			})
		}
	})
	watchdog.Start(ctx)
	defer watchdog.Stop()

	srv := server.New(&cfg, server.Deps{
		Auth:        authHandler,
		Proxy:       proxyHandler,
		Broadcaster: broadcaster,
		Metrics:     m,
		Activity:    watchdog,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.LogInfoWithFields("main", "Gateway started", map[string]any{
		"version":      version,
		"addr":         cfg.Addr,
		"authMode":     string(cfg.AuthMode),
		"profileStore": string(cfg.ProfileStore),
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func buildProfileStore(ctx context.Context, cfg *config.Config, redisClient redis.UniversalClient) (profile.Store, func(), error) {
	switch cfg.ProfileStore {
	case config.StoreRedis:
		return profile.NewRedisStore(redisClient), nil, nil
	case config.StoreFirestore:
		store, err := profile.NewFirestoreStore(ctx, cfg.Firestore.ProjectID, cfg.Firestore.Database, cfg.Firestore.Collection)
		if err != nil {
			return nil, nil, fmt.Errorf("creating firestore store: %w", err)
		}
		return store, func() { store.Close() }, nil
	default:
		return profile.NewMemoryStore(), nil, nil
	}
}

func buildExchanger(cfg *config.Config) (auth.Exchanger, error) {
	if cfg.AuthMode == config.AuthModeMock {
		mock := auth.NewMockExchanger()
		// Seed accounts for local development.
		if err := mock.AddUser("doctor@example.com", "password", "Dev Doctor", "doctor"); err != nil {
			return nil, err
		}
		if err := mock.AddUser("patient@example.com", "password", "Dev Patient", "patient"); err != nil {
			return nil, err
		}
		log.LogWarnWithFields("main", "Running with mock auth; do not use outside development", nil)
		return mock, nil
	}
	return auth.NewBackendClient(cfg.BackendBaseURL), nil
}

func buildProvider(ctx context.Context, cfg *config.Config) (idp.Provider, error) {
	if cfg.IdP.IssuerURL == "" {
		return nil, nil
	}
	provider, err := idp.NewOIDCProvider(ctx, idp.OIDCConfig{
		IssuerURL:    cfg.IdP.IssuerURL,
		ClientID:     cfg.IdP.ClientID,
		ClientSecret: cfg.IdP.ClientSecret,
		RedirectURL:  cfg.IdP.RedirectURL,
		Scopes:       cfg.IdP.Scopes,
		PublicKey:    cfg.IdP.PublicKey,
		SignOutURL:   cfg.IdP.SignOutURL,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring identity provider: %w", err)
	}
	return provider, nil
}
