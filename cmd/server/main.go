package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/config"
	"realtime-chat/internal/database"
	"realtime-chat/internal/handlers"
	"realtime-chat/internal/models"
	"realtime-chat/internal/notification"
	"realtime-chat/internal/presence"
	"realtime-chat/internal/relay"
	"realtime-chat/internal/services"
	"realtime-chat/internal/simulator"
	"realtime-chat/internal/websocket"
	"realtime-chat/pkg/logger"

	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db := openDatabase(cfg)
	defer db.Close()

	if cfg.Database.SeedDemo {
		if err := database.SeedDemo(ctx, db); err != nil {
			logger.Fatal("Failed to seed demo data: %v", err)
		}
	}

	// Presence store mirrors status into the users table
	presenceStore, closePresence := openPresence(ctx, cfg, db)
	defer closePresence()

	// Push notifications
	registry := notification.NewMemoryTokenRegistry()
	dispatcher := notification.NewAsyncDispatcher(
		openDispatcher(ctx, cfg, registry),
		cfg.Notification.QueueSize,
		cfg.Notification.Workers,
		cfg.Notification.Timeout,
	)

	// Initialize services
	authService := auth.NewService(db, cfg)
	chatService := services.NewChatService(db, cfg)

	// Initialize realtime gateway, optionally relayed across processes
	var opts []websocket.Option
	var natsRelay *relay.NATSRelay
	if cfg.NATS.URL != "" {
		var err error
		natsRelay, err = relay.Connect(relay.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Name:          "realtime-chat-" + cfg.Env,
		})
		if err != nil {
			logger.Fatal("Failed to connect relay: %v", err)
		}
		opts = append(opts, websocket.WithRelay(natsRelay))
	}
	gateway := websocket.NewGateway(authService, chatService, presenceStore, dispatcher, opts...)

	if natsRelay != nil {
		err := natsRelay.Subscribe(ctx, func(userID string, event models.Event) {
			gateway.DeliverLocal(userID, event)
		})
		if err != nil {
			logger.Fatal("Failed to subscribe relay: %v", err)
		}
	}

	if cfg.Simulator.Enabled {
		startSimulator(ctx, cfg, gateway, chatService)
	}

	// Initialize handlers
	authHandlers := handlers.NewAuthHandlers(authService)
	chatHandlers := handlers.NewChatHandlers(chatService, gateway)
	deviceHandlers := handlers.NewDeviceHandlers(registry)
	wsHandlers := handlers.NewWebSocketHandlers(gateway, cfg.Gateway)

	// Setup routes
	mux := http.NewServeMux()
	setupRoutes(mux, authHandlers, chatHandlers, deviceHandlers, wsHandlers)

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	logger.Info("🚀 Server started on http://localhost%s", cfg.Server.Port)
	logger.Info("📡 WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)
	printAPIEndpoints()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	<-ctx.Done()
	logger.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error: %v", err)
	}
	gateway.Shutdown(shutdownCtx)
	dispatcher.Close()
	if natsRelay != nil {
		natsRelay.Close()
	}
	logger.Info("Server stopped")
}

func openDatabase(cfg *config.Config) database.Database {
	switch cfg.Database.Backend {
	case "postgres":
		db, err := database.NewPostgresDB(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database: %v", err)
		}
		logger.Info("Using PostgreSQL store")
		return db
	case "memory":
		logger.Info("Using in-memory store")
		return database.NewMemoryDB()
	default:
		logger.Fatal("Unknown STORE_BACKEND %q", cfg.Database.Backend)
		return nil
	}
}

func openPresence(ctx context.Context, cfg *config.Config, db database.Database) (presence.Store, func()) {
	switch cfg.Presence.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store := presence.NewRedisStore(client, cfg.Redis.Prefix, cfg.Presence.TTL, db)
		if err := store.Ping(ctx); err != nil {
			// Presence degrades to offline reads until Redis comes back.
			logger.Warn("Redis not reachable at %s: %v", cfg.Redis.Addr, err)
		}
		logger.Info("Using Redis presence store at %s", cfg.Redis.Addr)
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Error("Closing Redis: %v", err)
			}
		}
	case "memory":
		return presence.NewMemoryStore(db), func() {}
	default:
		logger.Fatal("Unknown PRESENCE_BACKEND %q", cfg.Presence.Backend)
		return nil, nil
	}
}

func openDispatcher(ctx context.Context, cfg *config.Config, registry notification.TokenRegistry) notification.Dispatcher {
	if cfg.Notification.FCMCredentialsFile == "" {
		logger.Info("Push notifications are logged only (FCM_CREDENTIALS_FILE not set)")
		return notification.LogDispatcher{}
	}

	fcm, err := notification.NewFCMDispatcher(ctx, cfg.Notification.FCMCredentialsFile, registry)
	if err != nil {
		logger.Error("Failed to initialize FCM, falling back to log dispatcher: %v", err)
		return notification.LogDispatcher{}
	}
	logger.Info("Push notifications delivered through FCM")
	return fcm
}

func startSimulator(ctx context.Context, cfg *config.Config, gateway *websocket.Gateway, chatService *services.ChatService) {
	if cfg.Simulator.TargetUsername == "" {
		logger.Warn("SIMULATOR_ENABLED is set without SIMULATOR_TARGET, simulator not started")
		return
	}

	users, err := chatService.ListUsers(ctx)
	if err != nil {
		logger.Error("Simulator cannot list users: %v", err)
		return
	}
	for _, u := range users {
		if strings.EqualFold(u.Username, cfg.Simulator.TargetUsername) {
			go simulator.New(gateway, chatService, u.ID, cfg.Simulator, nil).Run(ctx)
			return
		}
	}
	logger.Warn("Simulator target %q not found", cfg.Simulator.TargetUsername)
}

func setupRoutes(mux *http.ServeMux, authHandlers *handlers.AuthHandlers, chatHandlers *handlers.ChatHandlers, deviceHandlers *handlers.DeviceHandlers, wsHandlers *handlers.WebSocketHandlers) {
	// Auth routes
	mux.HandleFunc("/login", method(http.MethodPost, authHandlers.Login))
	mux.HandleFunc("/health", handlers.Health)

	// Directory
	mux.HandleFunc("/users", method(http.MethodGet, authHandlers.RequireUser(chatHandlers.ListUsers)))

	// Chat routes
	mux.HandleFunc("/chats", authHandlers.RequireUser(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		switch r.Method {
		case http.MethodGet:
			chatHandlers.ListChats(w, r)
		case http.MethodPost:
			chatHandlers.CreateChat(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	// Chat sub-routes
	mux.HandleFunc("/chats/", authHandlers.RequireUser(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		if len(parts) < 3 || parts[2] == "" {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}

		// /chats/{id}/messages
		if len(parts) == 4 && parts[3] == "messages" && r.Method == http.MethodGet {
			chatHandlers.GetMessages(w, r)
			return
		}

		// /chats/{id}/read
		if len(parts) == 4 && parts[3] == "read" && r.Method == http.MethodPost {
			chatHandlers.MarkRead(w, r)
			return
		}

		http.Error(w, "endpoint not found", http.StatusNotFound)
	}))

	// Push device registration
	mux.HandleFunc("/devices", method(http.MethodPost, authHandlers.RequireUser(deviceHandlers.RegisterDevice)))

	// WebSocket route
	mux.HandleFunc("/ws", wsHandlers.HandleWebSocket)
}

func method(m string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func printAPIEndpoints() {
	logger.Info("🔗 API endpoints:")
	logger.Info("   POST /login")
	logger.Info("   GET  /health")
	logger.Info("   GET  /users")
	logger.Info("   GET  /chats")
	logger.Info("   POST /chats")
	logger.Info("   GET  /chats/{id}/messages?limit=&before=")
	logger.Info("   POST /chats/{id}/read")
	logger.Info("   POST /devices")
	logger.Info("   GET  /ws?token=")
}
