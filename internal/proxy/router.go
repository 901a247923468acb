package proxy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/wayfind-oss/relaygate/internal/adminauth"
	"github.com/wayfind-oss/relaygate/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions that are
// registered alongside the relay routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080") without the /metrics
// endpoint; use StartWithRoutes to register it.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
// One POST route is registered per platform route prefix configured on the
// Gateway (see GatewayOptions.AllowedPlatforms), plus /health, /readiness,
// and — when g.admin is set — the /admin/* group.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	for prefix, platform := range g.platforms {
		route := "/" + strings.Trim(prefix, "/") + "/{path:*}"
		r.POST(route, g.handleRelay(platform, prefix))
	}

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	if g.admin != nil {
		admin := r.Group("/admin")
		admin.GET("/keys/{id}", g.adminAuthed(g.handleAdminGetKey))
		admin.POST("/keys/{id}/disable", g.adminAuthed(g.handleAdminDisableKey))
		admin.POST("/keys/{id}/enable", g.adminAuthed(g.handleAdminEnableKey))
		admin.GET("/accounts/{id}", g.adminAuthed(g.handleAdminGetAccount))
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

// adminAuthed wraps h with a check against g.admin, rejecting the request
// before h runs if the bearer token is missing or invalid.
func (g *Gateway) adminAuthed(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := extractClientAPIKey(ctx)
		if token == "" {
			apierr.Write(ctx, apierr.New(apierr.KindPermissionDenied, "missing admin token"))
			return
		}
		identity, err := g.admin.Verify(ctx, token)
		if err != nil {
			apierr.Write(ctx, err)
			return
		}
		ctx.SetUserValue("admin_identity", identity)
		h(ctx)
	}
}

func (g *Gateway) handleAdminGetKey(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	key, err := g.apikeys.Get(ctx, id)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}
	writeJSON(ctx, key)
}

func (g *Gateway) handleAdminDisableKey(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if err := g.apikeys.SoftDelete(ctx, id, adminSubject(ctx)); err != nil {
		apierr.Write(ctx, err)
		return
	}
	writeJSON(ctx, map[string]string{"status": "disabled"})
}

func (g *Gateway) handleAdminEnableKey(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if err := g.apikeys.Restore(ctx, id); err != nil {
		apierr.Write(ctx, err)
		return
	}
	writeJSON(ctx, map[string]string{"status": "enabled"})
}

func (g *Gateway) handleAdminGetAccount(ctx *fasthttp.RequestCtx) {
	if g.accounts == nil {
		apierr.Write(ctx, apierr.New(apierr.KindInternal, "account registry not wired"))
		return
	}
	id, _ := ctx.UserValue("id").(string)
	acc, err := g.accounts.Get(ctx, id)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}
	writeJSON(ctx, acc)
}

func adminSubject(ctx *fasthttp.RequestCtx) string {
	if id, ok := ctx.UserValue("admin_identity").(*adminauth.Identity); ok && id.Subject != "" {
		return id.Subject
	}
	return "admin"
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	snap := g.health.Snapshot()
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
