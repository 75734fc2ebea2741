package api

import (
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"clipsync/config"
	"clipsync/internal/auth"
	"clipsync/internal/mw"
	"clipsync/internal/store"
)

// Deps are the collaborators the router wires into its handlers.
type Deps struct {
	Store     store.Store
	Relay     Publisher
	Sessions  SessionCloser
	Verifier  auth.TokenVerifier
	WebPush   *webpush.Options
	WebSocket http.Handler
	// Cache is shared with writers outside the router that must invalidate
	// it. A private one is created when nil.
	Cache *mw.ResponseCache
}

// NewRouter creates and configures a new Gin router.
func NewRouter(cfg config.ServerConfig, deps Deps) *gin.Engine {
	r := gin.Default()

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)
	requireBearer := mw.RequireBearer(deps.Verifier)

	responseCache := deps.Cache
	if responseCache == nil {
		responseCache = NewResponseCache(cfg)
	}
	caching := responseCache.Middleware()

	handler := NewHandler(deps.Store, deps.Relay, deps.Sessions, responseCache, deps.WebPush)

	if deps.WebSocket != nil {
		r.GET("/ws", gin.WrapH(deps.WebSocket))
	}
	r.POST("/subscribe", requireBearer, rateLimiter, handler.Subscribe)

	api := r.Group("/api")
	{
		api.GET("/vapid_public_key", rateLimiter, caching, handler.GetVAPIDPublicKey)

		authed := api.Group("", requireBearer, rateLimiter)
		authed.POST("/clipboard", handler.PostClipboard)
		authed.GET("/devices", caching, handler.ListDevices)
		authed.PUT("/devices/:id", handler.RenameDevice)
		authed.DELETE("/devices/:id", handler.DeleteDevice)
		authed.POST("/devices/:id/logout", handler.LogoutDevice)
	}

	return r
}

// NewResponseCache creates the response cache the router uses for GETs.
func NewResponseCache(cfg config.ServerConfig) *mw.ResponseCache {
	return mw.NewResponseCache(cache.New(cfg.CacheTTL, 10*time.Minute), cfg.CacheTTL)
}

func userID(c *gin.Context) string {
	return c.GetString(mw.UserIDKey)
}
