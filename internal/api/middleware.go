package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/revulnera/revulnera/internal/config"
	"github.com/revulnera/revulnera/internal/core"
	"github.com/revulnera/revulnera/internal/logger"
)

const principalKey = "principal"

// LoggingMiddleware logs all HTTP requests
func LoggingMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		log.Infow("HTTP request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}

// CORSMiddleware allows browser frontends on localhost to reach the API.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "http://127.0.0.1") ||
			strings.HasPrefix(origin, "https://localhost") ||
			strings.HasPrefix(origin, "https://127.0.0.1") {

			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// AuthMiddleware resolves the caller to a principal from a bearer token.
// Tokens map to "user" or "user:role" entries in security.api_keys.
// Websocket clients cannot set headers, so the token is also accepted as
// an access_token query parameter on GET requests.
func AuthMiddleware(apiKeys map[string]string, log *logger.Logger) gin.HandlerFunc {
	if len(apiKeys) == 0 {
		log.Fatalw("No API keys configured",
			"hint", "Set security.api_keys in the config file",
		)
	}

	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing credentials"})
			c.Abort()
			return
		}

		entry, ok := apiKeys[token]
		if !ok {
			log.Warnw("Invalid API key",
				"ip", c.ClientIP(),
				"path", c.Request.URL.Path,
			)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}

		principal := core.Principal{UserID: entry}
		if user, role, found := strings.Cut(entry, ":"); found {
			principal = core.Principal{UserID: user, Role: role}
		}
		c.Set(principalKey, principal)

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	if c.Request.Method == http.MethodGet {
		return c.Query("access_token")
	}
	return ""
}

// CallerPrincipal returns the principal set by AuthMiddleware.
func CallerPrincipal(c *gin.Context) core.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(core.Principal); ok {
			return p
		}
	}
	return core.Principal{}
}

// WorkerAuthMiddleware gates the ingestion callbacks behind the shared
// secret the worker received at dispatch time.
func WorkerAuthMiddleware(secret string, log *logger.Logger) gin.HandlerFunc {
	if secret == "" {
		log.Fatalw("Worker secret not configured",
			"hint", "Set security.worker_secret or the REVULNERA_SECURITY_WORKER_SECRET environment variable",
		)
	}

	return func(c *gin.Context) {
		if c.GetHeader("X-Worker-Token") != secret {
			log.Warnw("Rejected ingestion call with bad worker token",
				"ip", c.ClientIP(),
				"path", c.Request.URL.Path,
			)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid worker token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware implements token bucket rate limiting per IP
func RateLimitMiddleware(cfg config.RateLimitConfig) gin.HandlerFunc {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		mu      sync.Mutex
		clients = make(map[string]*client)
		once    sync.Once
	)

	once.Do(func() {
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()

			for range ticker.C {
				mu.Lock()
				for ip, cl := range clients {
					if time.Since(cl.lastSeen) > 10*time.Minute {
						delete(clients, ip)
					}
				}
				mu.Unlock()
			}
		}()
	})

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		cl, exists := clients[ip]
		if !exists {
			cl = &client{
				limiter: rate.NewLimiter(
					rate.Limit(cfg.RequestsPerSecond),
					cfg.BurstSize,
				),
				lastSeen: time.Now(),
			}
			clients[ip] = cl
		}
		cl.lastSeen = time.Now()
		mu.Unlock()

		if !cl.limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}
