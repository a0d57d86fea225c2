package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/taskpilot/taskpilot/internal/calsync"
	"github.com/taskpilot/taskpilot/internal/httpapi"
)

func main() {
	addr := os.Getenv("TASKPILOT_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := calsync.BuildStoreFromDSN(os.Getenv("TASKPILOT_STORE_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	loc, err := time.LoadLocation(strings.TrimSpace(os.Getenv("TASKPILOT_TIMEZONE")))
	if err != nil {
		log.Fatalf("invalid TASKPILOT_TIMEZONE: %v", err)
	}

	credentials := calsync.NewCredentialManager(calsync.CredentialManagerOptions{
		Store:       store,
		OAuth:       oauthConfigFromEnv(),
		RevokeURL:   envOr("TASKPILOT_OAUTH_REVOKE_URL", "https://oauth2.googleapis.com/revoke"),
		StateSecret: os.Getenv("TASKPILOT_STATE_SECRET"),
	})
	client := calsync.NewHTTPCalendarClient(calsync.CalendarClientOptions{
		BaseURL:       os.Getenv("TASKPILOT_PROVIDER_BASE_URL"),
		TokenProvider: credentials.TokenProvider(),
		UserAgent:     "taskpilot/1.0",
		MaxRetries:    intEnv("TASKPILOT_PROVIDER_MAX_RETRIES", 0),
	})
	engine := calsync.NewSyncEngine(calsync.SyncEngineOptions{
		Store:    store,
		Client:   client,
		Location: loc,
	})
	importer := calsync.NewImporter(calsync.ImporterOptions{Store: store, Client: client})
	reconciler := calsync.NewReconciler(calsync.ReconcilerOptions{Store: store, Client: client})

	if interval := durationEnv("TASKPILOT_SYNC_INTERVAL", 0); interval > 0 {
		scheduler := calsync.NewSyncScheduler(calsync.SchedulerOptions{
			Store:    store,
			Engine:   engine,
			Interval: interval,
			Window:   durationEnv("TASKPILOT_SYNC_WINDOW", 0),
			Location: loc,
		})
		if err := scheduler.Start(); err != nil {
			log.Fatalf("failed to start sync scheduler: %v", err)
		}
		defer scheduler.Stop()
		log.Printf("taskpilot background sync every %s", interval)
	}

	server := httpapi.NewServerWithConfig(httpapi.Services{
		Credentials: credentials,
		Engine:      engine,
		Importer:    importer,
		Reconciler:  reconciler,
		Client:      client,
	}, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("TASKPILOT_JWT_SECRET"),
		ChannelToken:    os.Getenv("TASKPILOT_CHANNEL_TOKEN"),
		RateLimitMax:    intEnv("TASKPILOT_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("TASKPILOT_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("TASKPILOT_MAX_BODY_BYTES", 0),
	})

	log.Printf("taskpilot listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func oauthConfigFromEnv() *oauth2.Config {
	scopes := strings.Fields(envOr("TASKPILOT_OAUTH_SCOPES", "https://www.googleapis.com/auth/calendar"))
	return &oauth2.Config{
		ClientID:     os.Getenv("TASKPILOT_OAUTH_CLIENT_ID"),
		ClientSecret: os.Getenv("TASKPILOT_OAUTH_CLIENT_SECRET"),
		RedirectURL:  os.Getenv("TASKPILOT_OAUTH_REDIRECT_URL"),
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  envOr("TASKPILOT_OAUTH_AUTH_URL", "https://accounts.google.com/o/oauth2/auth"),
			TokenURL: envOr("TASKPILOT_OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		},
	}
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
