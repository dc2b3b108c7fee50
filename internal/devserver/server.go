// Package devserver is a small stand-in for the chat server, speaking the
// same socket events and REST routes, for local development and tests.
package devserver

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/binhbb2204/chatsync/internal/health"
	"github.com/binhbb2204/chatsync/pkg/logger"
	"github.com/binhbb2204/chatsync/pkg/metrics"
	"github.com/binhbb2204/chatsync/pkg/models"
	"github.com/binhbb2204/chatsync/pkg/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	pingPeriod     = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
	maxUploadSize  = 32 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var allowedExtensions = map[models.AttachmentKind]map[string]bool{
	models.AttachmentImage: {".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true},
	models.AttachmentVideo: {".mp4": true, ".webm": true, ".mov": true},
}

type Config struct {
	JWTSecret      string
	UploadDir      string
	AllowedOrigins []string
	// RateLimit and RateBurst bound inbound socket events per connection.
	RateLimit rate.Limit
	RateBurst int
}

func DefaultConfig() Config {
	return Config{
		JWTSecret:      "dev-secret-change-me",
		UploadDir:      "./data/uploads",
		AllowedOrigins: []string{"http://localhost:3000"},
		RateLimit:      rate.Every(500 * time.Millisecond),
		RateBurst:      20,
	}
}

type Server struct {
	cfg     Config
	store   *Store
	db      *sql.DB
	hub     *Hub
	handler *Handler
	router  *gin.Engine
	cancel  context.CancelFunc
	log     *logger.Logger
}

func NewServer(db *sql.DB, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = def.JWTSecret
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = def.UploadDir
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}

	store := NewStore(db)
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	s := &Server{
		cfg:     cfg,
		store:   store,
		db:      db,
		hub:     hub,
		handler: NewHandler(store, hub),
		cancel:  cancel,
		log:     logger.WithContext("component", "devserver"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Hub() *Hub { return s.hub }

// Close disconnects every socket client.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if len(s.cfg.AllowedOrigins) > 0 {
		config := cors.DefaultConfig()
		config.AllowOrigins = s.cfg.AllowedOrigins
		config.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		config.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
		config.ExposeHeaders = []string{"Content-Length"}
		config.AllowCredentials = true
		router.Use(cors.New(config))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": s.hub.ClientCount()})
	})
	probes := health.NewHandler(s.db, s.hub)
	router.GET("/healthz", probes.Healthz)
	router.GET("/readyz", probes.Readyz)
	router.GET("/metrics", metrics.NewHandler().Metrics)
	router.POST("/auth/login", s.Login)
	router.GET("/ws", s.HandleWebSocket)
	router.Static("/uploads", s.cfg.UploadDir)

	api := router.Group("/api")
	api.Use(AuthMiddleware(s.cfg.JWTSecret))
	{
		api.GET("/rooms/:id/messages", s.GetMessages)
		api.POST("/rooms/:id/messages", s.PostMessage)
		api.POST("/rooms/:id/images", s.upload(models.AttachmentImage))
		api.POST("/rooms/:id/videos", s.upload(models.AttachmentVideo))
	}
	return router
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}
		claims, err := utils.ValidateJWT(token, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

// Login signs a user in, creating the account on first use.
func (s *Server) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	user, err := s.store.FindUser(ctx, req.Username)
	switch {
	case errors.Is(err, ErrUserNotFound):
		hash, herr := utils.HashPassword(req.Password)
		if herr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash password"})
			return
		}
		if user, err = s.store.CreateUser(ctx, req.Username, hash); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
			return
		}
		s.log.Info("user_created", "username", user.Username)
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	case !utils.CheckPassword(req.Password, user.PasswordHash):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := utils.GenerateJWT(user.ID, user.Username, "user", s.cfg.JWTSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, models.AuthResponse{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
}

func (s *Server) HandleWebSocket(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}
	claims, err := utils.ValidateJWT(token, s.cfg.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("websocket_upgrade_failed", "error", err.Error())
		return
	}

	now := time.Now()
	client := &Client{
		UserID:      claims.UserID,
		Username:    claims.Username,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Hub:         s.hub,
		Handler:     s.handler,
		LastActive:  now,
		ConnectedAt: now,
		limiter:     rate.NewLimiter(s.cfg.RateLimit, s.cfg.RateBurst),
	}
	if !s.hub.Register(client) {
		conn.Close()
		return
	}
	s.log.Info("ws_client_connected", "username", claims.Username)

	go client.WritePump()
	go client.ReadPump()
}

func roomParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return 0, false
	}
	return id, true
}

func (s *Server) GetMessages(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	before, _ := strconv.ParseInt(c.DefaultQuery("before", "0"), 10, 64)

	msgs, err := s.store.History(c.Request.Context(), roomID, limit, before)
	if err != nil {
		s.log.Error("history_query_failed", "room_id", roomID, "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, models.HistoryResponse{RoomID: roomID, Messages: msgs})
}

func (s *Server) PostMessage(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateText(req.Text); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := s.store.SaveMessage(c.Request.Context(), models.Message{
		RoomID:       roomID,
		UserID:       c.GetInt64("user_id"),
		SenderHandle: c.GetString("username"),
		Text:         req.Text,
		ClientToken:  req.ClientToken,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save message"})
		return
	}
	s.handler.Publish(msg)
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) upload(kind models.AttachmentKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID, ok := roomParam(c)
		if !ok {
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		ext := strings.ToLower(filepath.Ext(file.Filename))
		if !allowedExtensions[kind][ext] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported " + string(kind) + " type " + ext})
			return
		}

		if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store upload"})
			return
		}
		name := uuid.NewString() + ext
		if err := c.SaveUploadedFile(file, filepath.Join(s.cfg.UploadDir, name)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store upload"})
			return
		}

		msg, err := s.store.SaveMessage(c.Request.Context(), models.Message{
			RoomID:       roomID,
			UserID:       c.GetInt64("user_id"),
			SenderHandle: c.GetString("username"),
			Attachment:   &models.Attachment{Kind: kind, Path: "/uploads/" + name},
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save message"})
			return
		}
		s.handler.Publish(msg)
		c.JSON(http.StatusCreated, msg)
	}
}
