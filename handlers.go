package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"agency/models"
	"agency/pkg/avatar"
	"agency/pkg/cache"
	"agency/pkg/ingest"
)

// Server holds every collaborator the handlers need. Nothing here is a
// package-level singleton; main constructs one Server and wires it into gin.
type Server struct {
	cfg       Config
	db        *gorm.DB
	ingest    *ingest.Controller
	playback  *ingest.Playback
	subs      *ingest.SubmissionStore
	cache     cache.Service
	jwtSecret []byte
}

func newServer(cfg Config, db *gorm.DB, ctrl *ingest.Controller, pb *ingest.Playback, subs *ingest.SubmissionStore, cacheSvc cache.Service) *Server {
	return &Server{
		cfg:       cfg,
		db:        db,
		ingest:    ctrl,
		playback:  pb,
		subs:      subs,
		cache:     cacheSvc,
		jwtSecret: []byte(cfg.JWTSecret),
	}
}

func (s *Server) setupRoutes(r *gin.Engine) {
	r.POST("/register", s.registerHandler)
	r.POST("/login", s.loginHandler)
	r.POST("/refresh", s.refreshHandler)
	r.POST("/revoke_refresh", s.revokeRefreshHandler)

	authGroup := r.Group("")
	authGroup.Use(s.jwtAuthMiddleware())
	authGroup.GET("/me", s.meHandler)
	authGroup.POST("/profile", s.createProfileHandler)
	authGroup.GET("/profile", s.getProfileHandler)
	authGroup.POST("/profile/avatar", s.uploadAvatarHandler)

	authGroup.POST("/audition/upload/init", s.uploadInitHandler)
	authGroup.POST("/audition/upload/chunk", s.uploadChunkHandler)
	authGroup.POST("/audition/upload/complete", s.uploadCompleteHandler)
	authGroup.POST("/audition/upload/abort", s.uploadAbortHandler)
	authGroup.GET("/auditions/mine", s.myAuditionsHandler)

	adminGroup := authGroup.Group("/admin")
	adminGroup.Use(adminOnly())
	adminGroup.GET("/auditions", s.listAuditionsHandler)
	adminGroup.POST("/auditions/:id/review", s.reviewAuditionHandler)
	adminGroup.GET("/auditions/:id/video", s.streamAuditionHandler)
	adminGroup.DELETE("/auditions/:id", s.deleteAuditionHandler)
}

func (s *Server) jwtAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || len(authHeader) < 8 || authHeader[:7] != "Bearer " {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			c.Abort()
			return
		}
		tokenString := authHeader[7:]
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrInvalidKeyType
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
			c.Abort()
			return
		}
		username, _ := claims["username"].(string)
		role, _ := claims["role"].(string)
		c.Set("username", username)
		if role != "" {
			c.Set("role", role)
		}
		c.Next()
	}
}

func adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if role, _ := c.Get("role"); role != "administrator" {
			c.JSON(http.StatusForbidden, gin.H{"error": "administrator role required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// principal rebuilds the authenticated caller from the middleware context.
func principal(c *gin.Context) (ingest.Principal, bool) {
	usernameVal, _ := c.Get("username")
	username, _ := usernameVal.(string)
	if username == "" {
		return ingest.Principal{}, false
	}
	roleVal, _ := c.Get("role")
	role, _ := roleVal.(string)
	return ingest.Principal{Username: username, Admin: role == "administrator"}, true
}

// bindStrict decodes a JSON body rejecting unknown fields, so malformed or
// mistyped payloads fail loudly instead of being silently ignored.
func bindStrict(c *gin.Context, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// trailing garbage is also a malformed payload
	if dec.More() {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

func (s *Server) meHandler(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "context missing username"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": p.Username, "admin": p.Admin})
}

// getUserFromContext fetches the currently authenticated user using the
// username set by jwtAuthMiddleware.
func (s *Server) getUserFromContext(c *gin.Context) (*models.User, bool) {
	p, ok := principal(c)
	if !ok {
		return nil, false
	}
	var user models.User
	if err := s.db.Where("username = ?", p.Username).First(&user).Error; err != nil {
		return nil, false
	}
	return &user, true
}

func (s *Server) registerHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := bindStrict(c, &req); err != nil || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	if err := RegisterUser(s.db, req.Username, req.Password); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user registered successfully"})
}

func (s *Server) loginHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := bindStrict(c, &req); err != nil || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	user, err := Authenticate(s.db, req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	tokenString, err := s.signAccessToken(user, 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	refreshToken, err := createAndStoreRefreshToken(s.db, user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "login successful", "token": tokenString, "refresh_token": refreshToken})
}

// signAccessToken resolves the role name from RoleID and signs an HS256 JWT.
func (s *Server) signAccessToken(user models.User, ttl time.Duration) (string, error) {
	roleName := ""
	if user.RoleID != nil {
		var r models.Role
		if err := s.db.First(&r, *user.RoleID).Error; err == nil {
			roleName = r.Name
		}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": user.Username,
		"role":     roleName,
		"exp":      time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(s.jwtSecret)
}

// refreshHandler exchanges a refresh token for a new access token and
// rotates the refresh token.
func (s *Server) refreshHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := bindStrict(c, &req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	rt, err := findRefreshTokenByRaw(s.db, req.RefreshToken)
	if err != nil || rt.Revoked || time.Now().After(rt.ExpiresAt) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired refresh token"})
		return
	}
	var user models.User
	if err := s.db.First(&user, rt.UserID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	tokenString, err := s.signAccessToken(user, 15*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	// rotate: revoke existing and create new one
	s.db.Model(&models.RefreshToken{}).Where("id = ?", rt.ID).Update("revoked", true)
	newRT, err := createAndStoreRefreshToken(s.db, user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tokenString, "refresh_token": newRT})
}

// revokeRefreshHandler revokes a given refresh token (useful on logout).
func (s *Server) revokeRefreshHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := bindStrict(c, &req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	rt, err := findRefreshTokenByRaw(s.db, req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "refresh token not found"})
		return
	}
	rt.Revoked = true
	if err := s.db.Save(rt).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "refresh token revoked"})
}

func (s *Server) createProfileHandler(c *gin.Context) {
	user, ok := s.getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var req struct {
		Name  string `json:"name" binding:"required"`
		Email string `json:"email"`
		Phone string `json:"phone"`
		Bio   string `json:"bio"`
	}
	if err := bindStrict(c, &req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}
	profile := models.Profile{UserID: user.ID, Name: req.Name, Email: req.Email, Phone: req.Phone, Bio: req.Bio}
	if err := s.db.Create(&profile).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create profile"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": profile.ID})
}

func (s *Server) getProfileHandler(c *gin.Context) {
	user, ok := s.getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var p models.Profile
	if err := s.db.Where("user_id = ?", user.ID).First(&p).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// uploadAvatarHandler accepts a profile photo and drops it into the avatar
// watcher's inbox; the watcher generates the thumbnail out of band.
func (s *Server) uploadAvatarHandler(c *gin.Context) {
	user, ok := s.getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var profile models.Profile
	if err := s.db.Where("user_id = ?", user.ID).First(&profile).Error; err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "profile missing"})
		return
	}
	file, err := c.FormFile("photo")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "photo missing"})
		return
	}
	if file.Size > 5*1024*1024 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "photo too large (max 5MB)"})
		return
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported image type"})
		return
	}
	name := fmt.Sprintf("%d_%s%s", profile.ID, uuid.NewString(), ext)
	dst := filepath.Join(avatar.IncomingDir(s.cfg.AvatarBase), name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mkdir failed"})
		return
	}
	if err := c.SaveUploadedFile(file, dst); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": filepath.Join("incoming", name)})
}
