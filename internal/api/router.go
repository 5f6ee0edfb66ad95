package api

import (
	"flagsync/internal/metrics"
	"flagsync/internal/middleware"

	"github.com/gin-gonic/gin"
)

type Handlers struct {
	Trait    *TraitHandler
	Identity *IdentityHandler
	Version  *VersionHandler
	Stream   *StreamHandler
	Auth     *AuthHandler
}

// RouterDeps are the authentication and throttling collaborators.
type RouterDeps struct {
	Keys        middleware.KeyResolver
	Tokens      middleware.TokenParser
	Limiter     *middleware.RateLimiter
	CORSOrigins []string
	DevMode     bool
}

func RegisterRoutes(h Handlers, deps RouterDeps) *gin.Engine {
	r := gin.New()

	r.Use(
		middleware.CORSMiddleware(deps.CORSOrigins),
		middleware.TraceMiddleware(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(),
	)
	_ = r.SetTrustedProxies(nil)

	r.GET("/health", h.Version.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	apiV1 := r.Group("/api/v1")

	auth := apiV1.Group("/auth")
	{
		auth.POST("/login", h.Auth.Login)
		auth.POST("/refresh", h.Auth.Refresh)
	}
	authProtected := apiV1.Group("/auth")
	authProtected.Use(middleware.JWTMiddleware(deps.Tokens, deps.DevMode))
	{
		authProtected.GET("/me", h.Auth.GetProfile)
		authProtected.POST("/logout", h.Auth.Logout)
	}

	// SDK routes, authenticated by environment key and never throttled
	sdk := apiV1.Group("")
	sdk.Use(middleware.EnvironmentKeyMiddleware(deps.Keys))
	{
		sdk.POST("/traits/", h.Trait.SetTrait)
		sdk.POST("/traits/increment-value/", h.Trait.IncrementTrait)
		sdk.PUT("/traits/bulk/", h.Trait.BulkUpsertTraits)
		sdk.GET("/traits/", h.Trait.ListTraits)
		sdk.GET("/versions/stream", h.Stream.WatchVersions)
		sdk.GET("/versions/snapshot", h.Stream.Snapshot)
	}

	admin := apiV1.Group("")
	admin.Use(middleware.JWTMiddleware(deps.Tokens, deps.DevMode))
	if deps.Limiter != nil {
		admin.Use(deps.Limiter.Middleware())
	}
	{
		identity := admin.Group("/environments/:env_key/identities/:identifier/traits")
		identity.GET("", h.Identity.ListTraits)
		identity.GET("/:trait_key", h.Identity.GetTrait)
		identity.DELETE("/:trait_key", h.Identity.DeleteTrait)

		versions := admin.Group("/environments/:env_key/features/:feature_id/versions")
		versions.POST("", h.Version.CreateVersion)
		versions.GET("", h.Version.ListVersions)
		versions.GET("/current", h.Version.CurrentVersion)
		versions.GET("/audits", h.Version.ListAudits)

		admin.GET("/versions/:sha", h.Version.GetVersion)
		admin.POST("/versions/:sha/publish", h.Version.PublishVersion)
		admin.GET("/admin/stream", h.Stream.DashboardWatch)
	}
	return r
}
