package handlers

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"worksync/internal/models"
)

const companyCtxKey = "company"

// CompanyKey resolves the tenant from the X-Company-Key header.
func CompanyKey(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Company-Key")
		if key == "" {
			fail(c, http.StatusUnauthorized, "missing company key")
			c.Abort()
			return
		}
		var company models.Company
		err := db.Where("api_key = ?", key).First(&company).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			fail(c, http.StatusUnauthorized, "unknown company key")
			c.Abort()
			return
		case err != nil:
			fail(c, http.StatusInternalServerError, "internal error")
			c.Abort()
			return
		case company.Suspended:
			fail(c, http.StatusForbidden, "company suspended")
			c.Abort()
			return
		}
		c.Set(companyCtxKey, &company)
		c.Next()
	}
}

// AdminKey guards administrator routes.
func AdminKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" || c.GetHeader("X-Admin-Key") != key {
			fail(c, http.StatusUnauthorized, "admin key required")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RateLimit allows r requests per second per client IP with the given burst.
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		limiters = map[string]*rate.Limiter{}
	)
	get := func(k string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if l, ok := limiters[k]; ok {
			return l
		}
		l := rate.NewLimiter(r, burst)
		limiters[k] = l
		return l
	}
	return func(c *gin.Context) {
		if !get(c.ClientIP()).Allow() {
			c.Header("Retry-After", "1")
			fail(c, http.StatusTooManyRequests, "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}

func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("request", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}

func companyOf(c *gin.Context) *models.Company {
	return c.MustGet(companyCtxKey).(*models.Company)
}

func ok(c *gin.Context, data any) {
	if data == nil {
		c.JSON(http.StatusOK, gin.H{"status": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": true, "data": data})
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"status": false, "message": msg})
}
