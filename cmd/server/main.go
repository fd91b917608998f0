package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fxinvest/backend/docs"
	"github.com/fxinvest/backend/internal/database"
	mW "github.com/fxinvest/backend/internal/middleware"
	"github.com/fxinvest/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title FX Investment Tracker API
// @version 1.0
// @description API for tracking FX trading accounts, their transaction ledgers and weekly performance
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	// Set environment variable prefix
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "FX Investment Tracker API"
	docs.SwaggerInfo.Description = "API for tracking FX trading accounts, their transaction ledgers and weekly performance"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	accountService := services.NewAccountService(db, redisClient)
	transactionService := services.NewTransactionService(db)
	performanceService := services.NewPerformanceService(db, redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Landing route
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"service": "FX Investment Tracker API",
			"version": "1.0",
			"docs":    "/swagger/index.html",
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", accountService.ListAccounts)
			r.Get("/active", accountService.ListActiveAccounts)
			r.Get("/summary", accountService.GetAccountsSummary)
			r.Get("/by-account-id/{accountId}", accountService.GetAccountByAccountID)
			r.Get("/{id}", accountService.GetAccount)
			r.Post("/", accountService.CreateAccount)
			r.Put("/{id}", accountService.UpdateAccount)
			r.Patch("/{id}", accountService.PatchAccount)
			r.Delete("/{id}", accountService.DeleteAccount)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", transactionService.ListTransactions)
			r.Get("/by-account/{accountId}", transactionService.GetTransactionsByAccount)
			r.Get("/by-type/{type}", transactionService.GetTransactionsByType)
			r.Get("/by-date-range", transactionService.GetTransactionsByDateRange)
			r.Get("/summary/{accountId}", transactionService.GetTransactionSummary)
			r.Get("/{id}", transactionService.GetTransaction)
			r.Post("/", transactionService.CreateTransaction)
			r.Put("/{id}", transactionService.UpdateTransaction)
			r.Patch("/{id}", transactionService.PatchTransaction)
			r.Delete("/{id}", transactionService.DeleteTransaction)
		})

		r.Route("/performance", func(r chi.Router) {
			r.Get("/", performanceService.ListPerformance)
			r.Get("/summary", performanceService.GetPerformanceSummary)
			r.Get("/by-fxid/{fxId}", performanceService.GetPerformanceByFxID)
			r.Get("/week/{week}/year/{year}", performanceService.GetPerformanceByWeek)
			r.Get("/{id}", performanceService.GetPerformance)
			r.Post("/", performanceService.CreatePerformance)
			r.Put("/{id}", performanceService.UpdatePerformance)
			r.Patch("/{id}", performanceService.PatchPerformance)
			r.Delete("/{id}", performanceService.DeletePerformance)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
