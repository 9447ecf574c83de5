package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/leisurelyCoder/chattle/apperr"
	"github.com/leisurelyCoder/chattle/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const userKey = "chattle.user"

// requireAuth resolves the bearer token (or ?token= for websocket handshakes) to a user.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.deps.Auth.Authenticate(c.Request.Context(), extractToken(c.Request))
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *models.User {
	return c.MustGet(userKey).(*models.User)
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func (s *Server) limitByIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authLimiter.Allow(c.ClientIP()) {
			s.abortWithError(c, apperr.RateLimit("Too many authentication attempts. Please try again later."))
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		s.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(kind.HTTPStatus(), gin.H{
		"error": gin.H{
			"code":    kind.Code(),
			"message": apperr.Public(err),
		},
	})
}

// limiter hands out one token bucket per key: n events per window, bursting up to n.
type limiter struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	idle    time.Duration
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLimiter(n int, window time.Duration) *limiter {
	if n < 1 {
		n = 1
	}
	return &limiter{
		every:   rate.Every(window / time.Duration(n)),
		burst:   n,
		idle:    window,
		buckets: make(map[string]*bucket),
		swept:   time.Now(),
	}
}

func (l *limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.swept) > l.idle {
		// a bucket idle for a whole window is full again, forgetting it changes nothing
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.idle {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
