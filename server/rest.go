package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/leisurelyCoder/chattle/apperr"
	"github.com/leisurelyCoder/chattle/models"
)

const (
	refreshCookie  = "refreshToken"
	searchLimit    = 20
	directoryLimit = 100
	maxAvatarURL   = 500
)

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type updateProfileRequest struct {
	AvatarURL *string `json:"avatarUrl"`
}

type createConversationRequest struct {
	ParticipantID string `json:"participantId" binding:"required,uuid"`
}

type createMessageRequest struct {
	Content string `json:"content"`
}

type authResponse struct {
	User        models.PublicUser `json:"user"`
	AccessToken string            `json:"accessToken"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, apperr.Validation("Username, email and password are required"))
		return
	}

	res, err := s.deps.Auth.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, authResponse{User: res.User.Public(), AccessToken: res.AccessToken})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, apperr.Validation("Email and password are required"))
		return
	}

	res, err := s.deps.Auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(refreshCookie, res.RefreshToken, int(s.config.RefreshTokenTTL.Seconds()), "/", "", s.config.Production, true)
	c.JSON(http.StatusOK, authResponse{User: res.User.Public(), AccessToken: res.AccessToken})
}

func (s *Server) handleRefresh(c *gin.Context) {
	token, err := c.Cookie(refreshCookie)
	if err != nil || token == "" {
		s.abortWithError(c, apperr.Authentication("Refresh token not provided"))
		return
	}

	access, err := s.deps.Auth.Refresh(c.Request.Context(), token)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accessToken": access})
}

func (s *Server) handleLogout(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(refreshCookie, "", -1, "/", "", s.config.Production, true)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c).Public())
}

// handleUpdateMe sets or, with an empty string, clears the caller's avatar.
func (s *Server) handleUpdateMe(c *gin.Context) {
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AvatarURL == nil {
		s.abortWithError(c, apperr.Validation("avatarUrl is required"))
		return
	}

	avatar := strings.TrimSpace(*req.AvatarURL)
	if avatar != "" && !validAvatarURL(avatar) {
		s.abortWithError(c, apperr.Validation("avatarUrl must be an http(s) URL"))
		return
	}

	ctx := c.Request.Context()
	me := currentUser(c)
	if err := s.deps.DB.SetAvatar(ctx, me.ID, avatar); err != nil {
		s.abortWithError(c, apperr.Internal(fmt.Errorf("set avatar: %w", err)))
		return
	}

	user, err := s.deps.DB.GetUser(ctx, me.ID)
	if err != nil {
		s.abortWithError(c, apperr.Internal(fmt.Errorf("reload user: %w", err)))
		return
	}
	c.JSON(http.StatusOK, user.Public())
}

func validAvatarURL(raw string) bool {
	if len(raw) > maxAvatarURL {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (s *Server) handleSearchUsers(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		c.JSON(http.StatusOK, []models.PublicUser{})
		return
	}

	users, err := s.deps.DB.SearchUsers(c.Request.Context(), currentUser(c).ID, q, searchLimit)
	if err != nil {
		s.abortWithError(c, apperr.Internal(fmt.Errorf("search users: %w", err)))
		return
	}
	c.JSON(http.StatusOK, publicUsers(users))
}

func (s *Server) handleAllUsers(c *gin.Context) {
	users, err := s.deps.DB.ListUsers(c.Request.Context(), currentUser(c).ID, directoryLimit)
	if err != nil {
		s.abortWithError(c, apperr.Internal(fmt.Errorf("list users: %w", err)))
		return
	}
	c.JSON(http.StatusOK, publicUsers(users))
}

func (s *Server) handleListConversations(c *gin.Context) {
	list, err := s.deps.Directory.ListForUser(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetConversation(c *gin.Context) {
	summary, err := s.deps.Directory.Get(c.Request.Context(), c.Param("conversationId"), currentUser(c).ID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, apperr.Validation("Valid participant ID is required"))
		return
	}

	ctx := c.Request.Context()
	me := currentUser(c).ID

	conv, err := s.deps.Directory.GetOrCreate(ctx, me, req.ParticipantID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	summary, err := s.deps.Directory.Summarize(ctx, conv, me)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, summary)
}

func (s *Server) handleGetMessages(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	history, err := s.deps.Messages.GetHistory(c.Request.Context(), c.Param("conversationId"), currentUser(c).ID, page, limit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) handleCreateMessage(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, apperr.Validation("Message content is required"))
		return
	}

	me := currentUser(c).ID
	if !s.msgLimiter.Allow(me) {
		s.abortWithError(c, apperr.RateLimit("Too many messages. Please slow down."))
		return
	}

	msg, err := s.deps.Messages.Send(c.Request.Context(), c.Param("conversationId"), me, req.Content)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func publicUsers(users []models.User) []models.PublicUser {
	out := make([]models.PublicUser, 0, len(users))
	for i := range users {
		out = append(out, users[i].Public())
	}
	return out
}
