package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wayfind-oss/relaygate/internal/account"
	"github.com/wayfind-oss/relaygate/internal/adminauth"
	"github.com/wayfind-oss/relaygate/internal/apikey"
	"github.com/wayfind-oss/relaygate/internal/kv"
	"github.com/wayfind-oss/relaygate/internal/logger"
	"github.com/wayfind-oss/relaygate/internal/metrics"
	"github.com/wayfind-oss/relaygate/internal/oauth"
	"github.com/wayfind-oss/relaygate/internal/pricing"
	"github.com/wayfind-oss/relaygate/internal/proxy"
	"github.com/wayfind-oss/relaygate/internal/refresh"
	"github.com/wayfind-oss/relaygate/internal/relay"
	"github.com/wayfind-oss/relaygate/internal/scheduler"
	"github.com/wayfind-oss/relaygate/internal/vault"
	"github.com/wayfind-oss/relaygate/internal/webhook"
)

// initInfra establishes the Redis connection and the KV facade every
// other component is built on. Redis is never optional — see
// config.Config.validate().
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.store = kv.New(rdb)
	a.log.Info("redis connected")

	return nil
}

// initServices builds the credential vault, the identity/account
// registries, the scheduler, the refresh coordinator, the price table, the
// usage logger, the webhook notifier, and the metrics registry.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.vault = vault.New([]byte(a.cfg.Vault.Secret))
	a.vault.SetCacheObserver(a.prom)

	a.notifier = webhook.New(a.cfg.Webhook.URL, a.cfg.Webhook.Timeout, a.log)

	a.apikeys = apikey.New(a.store, apikey.WithLifecycleNotifier(a.notifier))
	a.accounts = account.New(a.store, a.vault, account.WithLifecycleNotifier(a.notifier))

	a.scheduler = scheduler.New(a.accounts, a.store,
		scheduler.WithStickyTTL(a.cfg.Scheduler.StickyTTL),
		scheduler.WithSelectionObserver(a.prom),
	)

	refreshers := map[account.Platform]refresh.Refresher{
		account.PlatformClaude: oauth.New("claude", a.cfg.Claude.OAuthTokenURL, a.cfg.Claude.OAuthClientID, a.cfg.Claude.OAuthClientSecret),
		account.PlatformOpenAI: oauth.New("openai", a.cfg.OpenAI.OAuthTokenURL, a.cfg.OpenAI.OAuthClientID, a.cfg.OpenAI.OAuthClientSecret),
		account.PlatformGemini: oauth.New("gemini", a.cfg.Gemini.OAuthTokenURL, a.cfg.Gemini.OAuthClientID, a.cfg.Gemini.OAuthClientSecret),
		// Bedrock's "access token" is a static AWS key pair; refreshing it
		// is a no-op echo rather than a real OAuth exchange.
		account.PlatformBedrock: oauth.StaticRefresher{},
	}
	a.refresher = refresh.New(a.accounts, a.store, refreshers, refresh.WithDedupObserver(a.prom))

	prices, fallback := pricing.DefaultPrices, pricing.DefaultFallback
	if a.cfg.PriceTablePath != "" {
		loaded, loadedFallback, err := pricing.LoadFile(a.cfg.PriceTablePath)
		if err != nil {
			return fmt.Errorf("price table: %w", err)
		}
		prices, fallback = loaded, loadedFallback
	}
	a.prices = pricing.NewTable(prices, fallback, a.log)

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("usage logger: %w", err)
	}
	if a.cfg.ClickHouseDSN != "" {
		sink, err := logger.NewClickHouseSink(a.cfg.ClickHouseDSN, "gateway_usage")
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		a.chSink = sink
		reqLogger, err = logger.New(a.baseCtx, a.log, logger.WithSink(sink))
		if err != nil {
			return fmt.Errorf("usage logger: %w", err)
		}
		a.log.Info("usage analytics sink: clickhouse")
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway builds the relay pipeline, the per-platform circuit breaker,
// health probes, and finally the HTTP Gateway itself.
func (a *App) initGateway(ctx context.Context) error {
	a.cb = proxy.NewCircuitBreakerForPlatforms(proxy.CBConfig{
		ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
	}, []string{"claude", "openai", "gemini", "bedrock"})

	pipeline := relay.New(a.scheduler, a.refresher, a.apikeys, a.prices,
		relay.WithCostObserver(a.prom),
		relay.WithCircuitBreaker(a.cb),
		relay.WithLogger(a.log),
	)

	probes, err := proxy.BuildHealthProbes(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("health probes: %w", err)
	}
	a.hc = proxy.NewHealthChecker(a.baseCtx, probes, redisPinger(a.baseCtx, a.rdb), a.prom)

	platforms := map[string]account.Platform{
		"claude":  account.PlatformClaude,
		"openai":  account.PlatformOpenAI,
		"gemini":  account.PlatformGemini,
		"bedrock": account.PlatformBedrock,
	}

	gw := proxy.NewGateway(pipeline, a.apikeys, a.hc, proxy.GatewayOptions{
		Logger:           a.log,
		Metrics:          a.prom,
		AllowedPlatforms: platforms,
	})
	gw.SetCORSOrigins(a.cfg.CORSOrigins)
	gw.SetAccountLookup(a.accounts)

	if a.cfg.Admin.JWTSecret != "" {
		authenticator, err := adminauth.NewJWTAuthenticator(a.cfg.Admin.JWTSecret)
		if err != nil {
			return fmt.Errorf("admin authenticator: %w", err)
		}
		gw.SetAdminAuthenticator(authenticator)
		a.log.Info("admin routes enabled")
	} else {
		a.log.Warn("ADMIN_JWT_SECRET not set; /admin/* routes disabled")
	}

	a.mgmt = &proxy.ManagementRoutes{Metrics: a.prom.Handler()}
	a.gw = gw

	return nil
}
