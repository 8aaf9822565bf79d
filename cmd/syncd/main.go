package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"chatsync/internal/config"
	"chatsync/internal/handlers"
	"chatsync/internal/logging"
	"chatsync/internal/models"
	"chatsync/internal/services"
	"chatsync/internal/storage"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting chatsync gateway...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Storage: %s, Sync: %t)",
		cfg.Port, cfg.StorageBackend, cfg.EnableServerSync)

	kv, err := openStore(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to open storage backend: %v", err)
	}
	defer kv.Close()

	registry := services.NewRegistry(kv, models.SyncConfig{
		EnableServerSync: cfg.EnableServerSync,
		SyncInterval:     cfg.SyncInterval,
		MaxRetries:       cfg.MaxRetries,
		RetryDelay:       cfg.RetryDelay,
		DebugMode:        cfg.DebugMode,
	})
	defer registry.Close()

	if err := reloadAgents(cfg.AgentsFile, registry); err != nil {
		log.Printf("⚠️  Failed to load agents from %s: %v", cfg.AgentsFile, err)
	}
	go watchAgentsFile(cfg.AgentsFile, registry)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "chatsync v1.0",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    10 * 1024 * 1024, // large conversations with artifact payloads
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("chatsync")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	// CORS: the widget is embedded on arbitrary pages, so origins come from
	// config rather than a wildcard with credentials.
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept",
		AllowCredentials: allowedOrigins != "*",
	}))

	sessionHandler := handlers.NewSessionHandler(registry)
	syncHandler := handlers.NewSyncHandler(registry)
	eventsHandler := handlers.NewEventsHandler(registry)
	healthHandler := handlers.NewHealthHandler(registry)

	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api")
	api.Get("/agents", sessionHandler.ListAgents)

	agent := api.Group("/agents/:agent")
	agent.Get("/sessions", sessionHandler.List)
	agent.Post("/sessions", sessionHandler.Create)
	agent.Get("/sessions/active", sessionHandler.Active)
	agent.Put("/sessions/active", sessionHandler.Switch)
	agent.Put("/sessions/active/messages", sessionHandler.UpdateMessages)
	agent.Put("/sessions/:id/name", sessionHandler.Rename)
	agent.Delete("/sessions/:id", sessionHandler.Archive)
	agent.Get("/sync/status", syncHandler.Status)
	agent.Post("/sync", syncHandler.Trigger)
	agent.Post("/sync/thread", syncHandler.SyncThread)
	agent.Put("/sync/online", syncHandler.Online)

	app.Use("/ws/agents/:agent/events", eventsHandler.Upgrade)
	app.Get("/ws/agents/:agent/events", websocket.New(eventsHandler.HandleConnection))

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down gateway...")

		// Stop sync loops before the HTTP surface so in-flight passes finish
		registry.Close()

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

// openStore builds the configured key-value backend
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "memory":
		log.Println("💾 Using in-memory storage (data is lost on restart)")
		return storage.NewMemoryStore(), nil
	case "redis":
		return storage.NewRedisStore(cfg.RedisURL)
	case "mongo":
		return storage.NewMongoStore(cfg.MongoURI, cfg.MongoDatabase)
	default:
		return storage.NewSQLiteStore(cfg.SQLitePath)
	}
}

// reloadAgents reads agents.yaml and reconciles the registry against it
func reloadAgents(filePath string, registry *services.Registry) error {
	agents, err := config.LoadAgents(filePath)
	if err != nil {
		return err
	}

	wanted := make(map[string]string, len(agents))
	for _, agent := range agents {
		wanted[agent.Name] = agent.URL
	}
	registry.Reconcile(context.Background(), wanted)

	log.Printf("✅ %d agent(s) registered from %s", len(agents), filePath)
	return nil
}

// watchAgentsFile hot-reloads the agent list when agents.yaml changes
func watchAgentsFile(filePath string, registry *services.Registry) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  Failed to create file watcher: %v", err)
		return
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		log.Printf("⚠️  Failed to get absolute path for %s: %v", filePath, err)
		watcher.Close()
		return
	}

	// Watch the directory containing the file (more reliable than watching
	// the file directly; editors replace files on save)
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  Failed to watch directory %s: %v", dir, err)
		watcher.Close()
		return
	}

	log.Printf("👁️  Watching %s for changes (hot-reload enabled)", filePath)

	// Debounce rapid successive writes into one reload
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					log.Printf("🔄 Detected changes in %s, reloading agents...", filePath)
					if err := reloadAgents(filePath, registry); err != nil {
						log.Printf("❌ Failed to reload agents: %v", err)
					}
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  File watcher error: %v", err)
		}
	}
}
