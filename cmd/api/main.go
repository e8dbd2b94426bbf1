package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ndao-backend/internal/handlers"
	"ndao-backend/internal/mailer"
	"ndao-backend/internal/middleware"
	"ndao-backend/internal/models"
	"ndao-backend/internal/mvola"
	"ndao-backend/internal/payment"
	"ndao-backend/internal/store"
	ws "ndao-backend/internal/websocket"
)

// Config holds everything loaded from config.env / the environment.
type Config struct {
	DSN        string `mapstructure:"DSN"`
	JWT_SECRET string `mapstructure:"JWT_SECRET"`
	PORT       string `mapstructure:"PORT"`
	UPLOAD_DIR string `mapstructure:"UPLOAD_DIR"`

	MVOLA_BASE_URL        string `mapstructure:"MVOLA_BASE_URL"`
	MVOLA_CLIENT_ID       string `mapstructure:"MVOLA_CLIENT_ID"`
	MVOLA_CLIENT_SECRET   string `mapstructure:"MVOLA_CLIENT_SECRET"`
	MVOLA_MERCHANT_MSISDN string `mapstructure:"MVOLA_MERCHANT_MSISDN"`
	MVOLA_PARTNER_NAME    string `mapstructure:"MVOLA_PARTNER_NAME"`

	POLL_INTERVAL_SECONDS int `mapstructure:"POLL_INTERVAL_SECONDS"`
	POLL_MAX_ATTEMPTS     int `mapstructure:"POLL_MAX_ATTEMPTS"`

	SMTP_HOST string `mapstructure:"SMTP_HOST"`
	SMTP_PORT int    `mapstructure:"SMTP_PORT"`
	SMTP_USER string `mapstructure:"SMTP_USER"`
	SMTP_PASS string `mapstructure:"SMTP_PASS"`
	SMTP_FROM string `mapstructure:"SMTP_FROM"`
}

// loadConfig reads config.env from the working directory, with
// environment variables taking precedence.
func loadConfig() (config Config, err error) {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("PORT", "8080")
	viper.SetDefault("UPLOAD_DIR", "uploads")
	viper.SetDefault("MVOLA_PARTNER_NAME", "NdaoHifanosika")
	viper.SetDefault("POLL_INTERVAL_SECONDS", 10)
	viper.SetDefault("POLL_MAX_ATTEMPTS", 30)
	viper.SetDefault("SMTP_PORT", 587)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}

func main() {
	log.Println("Starting donation backend...")

	config, err := loadConfig()
	if err != nil {
		log.Fatal("cannot load config:", err)
	}

	db, err := sqlx.Connect("pgx", config.DSN)
	if err != nil {
		log.Fatal("cannot connect to database:", err)
	}
	defer db.Close()
	log.Println("Connected to PostgreSQL.")

	// Donation-alert hub for staff dashboards
	hub := ws.NewHub()
	go hub.Run()

	// Payment core
	donationStore := store.NewDonationStore(db)
	provider := mvola.NewClient(mvola.Config{
		BaseURL:        config.MVOLA_BASE_URL,
		ClientID:       config.MVOLA_CLIENT_ID,
		ClientSecret:   config.MVOLA_CLIENT_SECRET,
		MerchantMSISDN: config.MVOLA_MERCHANT_MSISDN,
		PartnerName:    config.MVOLA_PARTNER_NAME,
	})
	receiptMailer := mailer.New(mailer.Config{
		Host: config.SMTP_HOST,
		Port: config.SMTP_PORT,
		User: config.SMTP_USER,
		Pass: config.SMTP_PASS,
		From: config.SMTP_FROM,
	})
	initiator := payment.NewInitiator(donationStore, provider)
	reconciler := payment.NewReconciler(donationStore, provider, receiptMailer, payment.Config{
		PollInterval: time.Duration(config.POLL_INTERVAL_SECONDS) * time.Second,
		MaxAttempts:  config.POLL_MAX_ATTEMPTS,
	})
	reconciler.OnTerminal(func(e payment.Event) {
		if e.State != models.StateConfirmed {
			return
		}
		hub.BroadcastAlert <- ws.DonationAlert{
			DonationID:  e.DonationID,
			DonorName:   e.DonorName,
			Amount:      e.Amount,
			Method:      string(e.Method),
			ProviderRef: e.ProviderRef,
		}
	})

	// Reconciliations in flight at the last shutdown were lost;
	// pick up whatever is still pending in the store.
	if err := reconciler.ResumePending(context.Background()); err != nil {
		log.Println("Failed to resume pending reconciliations:", err)
	}

	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
	}))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	// Uploaded files (campaign images, profile photos)
	r.Static("/uploads", config.UPLOAD_DIR)

	authHandler := handlers.NewAuthHandler(db, config.JWT_SECRET)
	userHandler := handlers.NewUserHandler(db)
	campaignHandler := handlers.NewCampaignHandler(db)
	articleHandler := handlers.NewArticleHandler(db)
	donationHandler := handlers.NewDonationHandler(db, donationStore, initiator, reconciler)
	uploadHandler := handlers.NewUploadHandler(db, config.UPLOAD_DIR)
	wsHandler := handlers.NewWebSocketHandler(db, hub)

	authRequired := middleware.AuthMiddleware(config.JWT_SECRET)
	staffOnly := middleware.RequireRole(models.RoleAdmin, models.RoleStaff)
	adminOnly := middleware.RequireRole(models.RoleAdmin)

	api := r.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
			auth.GET("/me", authRequired, authHandler.Me)
		}

		users := api.Group("/users", authRequired)
		{
			users.GET("", adminOnly, userHandler.List)
			users.GET("/:id", userHandler.Get)
			users.PUT("/:id", userHandler.Update)
			users.DELETE("/:id", adminOnly, userHandler.Delete)
		}

		admin := api.Group("/admin", authRequired, adminOnly)
		{
			admin.GET("/users/pending", userHandler.ListPending)
			admin.PUT("/users/:id/approve", userHandler.Approve)
			admin.PUT("/users/:id/reject", userHandler.Reject)
			admin.GET("/stats", userHandler.Stats)
		}

		campaigns := api.Group("/campaigns")
		{
			campaigns.GET("", campaignHandler.List)
			campaigns.GET("/:id", campaignHandler.Get)
			campaigns.POST("", authRequired, staffOnly, campaignHandler.Create)
			campaigns.DELETE("/:id", authRequired, staffOnly, campaignHandler.Delete)
		}

		articles := api.Group("/articles")
		{
			articles.GET("", articleHandler.List)
			articles.POST("", authRequired, staffOnly, articleHandler.Create)
			articles.PUT("/:id", authRequired, staffOnly, articleHandler.Update)
			articles.DELETE("/:id", authRequired, staffOnly, articleHandler.Delete)
		}

		donations := api.Group("/donations")
		{
			donations.POST("", donationHandler.Create)
			donations.GET("/history", donationHandler.History)
			donations.GET("/:id/status", donationHandler.Status)
			donations.POST("/:id/check", donationHandler.CheckNow)
			donations.GET("", authRequired, staffOnly, donationHandler.List)
		}

		upload := api.Group("/upload", authRequired)
		{
			upload.POST("/profile-photo", uploadHandler.ProfilePhoto)
			upload.DELETE("/profile-photo", uploadHandler.DeleteProfilePhoto)
		}
	}

	r.GET("/ws/alerts/:token", wsHandler.ServeWs)

	addr := ":" + config.PORT
	log.Println("Server starting on http://localhost" + addr)
	if err := r.Run(addr); err != nil {
		log.Fatal("could not start server:", err)
	}
}
