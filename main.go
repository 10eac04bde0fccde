package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gluk-w/shellgate/internal/auth"
	"github.com/gluk-w/shellgate/internal/backendconfig"
	"github.com/gluk-w/shellgate/internal/config"
	"github.com/gluk-w/shellgate/internal/database"
	"github.com/gluk-w/shellgate/internal/gateway"
	"github.com/gluk-w/shellgate/internal/handlers"
	"github.com/gluk-w/shellgate/internal/identity"
	"github.com/gluk-w/shellgate/internal/jobs"
	"github.com/gluk-w/shellgate/internal/logging"
	"github.com/gluk-w/shellgate/internal/middleware"
	"github.com/gluk-w/shellgate/internal/terminal"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// reservedPaths are served by shellgate itself and never proxied.
var reservedPaths = []string{
	"/health",
	"/api/v1/auth",
	"/api/v1/terminal",
	"/api/v1/backend-config",
	"/api/v1/server-logs",
}

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCreateAdmin(os.Args[2:])
			return
		case "--issue-token":
			runIssueToken(os.Args[2:])
			return
		}
	}

	config.Load()

	if err := logging.Init(config.Cfg.LogPath); err != nil {
		log.Printf("WARNING: file logging disabled: %v", err)
	}
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: AuthDisabled=%v, Listen=%s, BackendHost=%s, JWT=%v",
		config.Cfg.AuthDisabled, config.Cfg.ListenAddr, config.Cfg.BackendHost, config.Cfg.JWTSecret != "")

	if n, err := database.UserCount(); err == nil && n == 0 && !config.Cfg.AuthDisabled {
		log.Printf("WARNING: no users yet; create one with: shellgate --create-admin --email <email> --password <pass>")
	}

	ctx := context.Background()

	// Backend configuration and its hot-path cache
	cfgStore := backendconfig.Store{}
	cfgService := backendconfig.NewService(cfgStore, backendconfig.NewCache(cfgStore, config.Cfg.ConfigCacheTTL))
	current, err := cfgService.Current(ctx)
	if err != nil {
		log.Fatalf("Backend config init: %v", err)
	}

	// Init terminal session registry
	termRegistry := terminal.NewRegistry(terminal.Options{
		Shell:          config.Cfg.TerminalShell,
		HomeDir:        config.Cfg.TerminalHome,
		MaxSessions:    config.Cfg.TerminalMaxSessions,
		ScrollbackSize: config.Cfg.TerminalScrollback,
	})
	termRegistry.SetInternalAPIToken(current.InternalAPIToken)
	termRegistry.SetEnvVars(current.EnvVars)
	cfgService.OnTokenRotated(termRegistry.SetInternalAPIToken)
	cfgService.OnEnvVarsChanged(termRegistry.SetEnvVars)
	log.Printf("Terminal registry initialized (shell=%s, max=%d, scrollback=%d bytes, idle_timeout=%s)",
		config.Cfg.TerminalShell, termRegistry.MaxSessions(), config.Cfg.TerminalScrollback, config.Cfg.TerminalIdleTimeout)

	sessionStore := auth.NewSessionStore()

	// Scheduled maintenance replaces a per-store cleanup goroutine
	maint := &jobs.Maintenance{
		Sessions:    sessionStore,
		Terminals:   termRegistry,
		IdleTimeout: config.Cfg.TerminalIdleTimeout,
	}
	scheduler, err := maint.Start(ctx, config.Cfg.MaintenanceSchedule)
	if err != nil {
		log.Fatalf("Maintenance: %v", err)
	}

	resolver := identity.NewResolver(identity.Options{
		Store:         identity.DBStore{},
		JWTSecret:     []byte(config.Cfg.JWTSecret),
		SessionCookie: config.Cfg.SessionTokenCookie,
	})
	dispatcher := gateway.NewDispatcher(config.Cfg.BackendHost)
	gw := gateway.New(gateway.Options{
		Config:     cfgService.Cache(),
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Reserved:   reservedPaths,
	})

	api := &handlers.API{
		Sessions:      sessionStore,
		Terminals:     termRegistry,
		BackendConfig: cfgService,
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.AttachSession(sessionStore))
	r.Use(gw.Middleware)

	// Health (no auth)
	r.Get("/health", api.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		// Auth endpoints (no auth required)
		r.Post("/auth/login", api.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(sessionStore))

			r.Post("/auth/logout", api.Logout)
			r.Get("/auth/me", api.GetCurrentUser)

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Get("/terminal/sessions", api.ListTerminalSessions)
				r.Post("/terminal/sessions", api.CreateTerminalSession)
				r.Delete("/terminal/sessions", api.DeleteTerminalSession)
				r.Get("/terminal/ws", api.TerminalWS)

				r.Get("/backend-config", api.GetBackendConfig)
				r.Put("/backend-config", api.UpdateBackendConfig)
				r.Post("/backend-config/rotate-token", api.RotateInternalToken)

				r.Get("/server-logs", api.GetServerLogs)
				r.Delete("/server-logs", api.ClearServerLogs)
			})
		})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-scheduler.Stop().Done()
	termRegistry.Shutdown()
	dispatcher.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func initCLI() {
	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
}

func runCreateAdmin(args []string) {
	fs := flag.NewFlagSet("create-admin", flag.ExitOnError)
	email := fs.String("email", "", "Email")
	password := fs.String("password", "", "Password")
	fs.Parse(args)

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "Usage: shellgate --create-admin --email <email> --password <pass>")
		os.Exit(1)
	}

	initCLI()
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	user := &database.User{
		Email:        *email,
		PasswordHash: hash,
		Role:         "admin",
	}
	if err := database.CreateUser(user); err != nil {
		log.Fatalf("Failed to create admin: %v", err)
	}
	fmt.Printf("Admin user '%s' created successfully.\n", *email)
}

func runIssueToken(args []string) {
	fs := flag.NewFlagSet("issue-token", flag.ExitOnError)
	userID := fs.Uint("user-id", 0, "User ID")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	fs.Parse(args)

	if *userID == 0 || *ttl <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: shellgate --issue-token --user-id <id> [--ttl 24h]")
		os.Exit(1)
	}

	initCLI()
	defer database.Close()

	if config.Cfg.JWTSecret == "" {
		log.Fatalf("SHELLGATE_JWT_SECRET is not set; bearer tokens are disabled")
	}
	if _, err := database.GetUserByID(context.Background(), uint(*userID)); err != nil {
		log.Fatalf("User %d not found", *userID)
	}

	token, err := identity.NewTokenVerifier([]byte(config.Cfg.JWTSecret)).Generate(strconv.FormatUint(uint64(*userID), 10), *ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(token)
}
