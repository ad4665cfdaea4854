// Command gateway is the Backend API Gateway's composition root (spec
// §4.9, §10.3): it loads configuration, builds every component, wires
// them onto the Service Container in dependency order, and hands
// control to the Lifecycle Manager. Grounded on the teacher's own
// cmd/gateway/main.go top-level shape (config load -> fail fast ->
// construct managers -> register routes -> signal-driven run), rebuilt
// around this repository's own components rather than Marble/Neo
// wiring (see DESIGN.md).
package main

import (
	"context"
	"encoding/hex"
	"os"
	"strconv"
	"time"

	"github.com/boeni-industries/aico-gateway/internal/bus"
	"github.com/boeni-industries/aico-gateway/internal/config"
	"github.com/boeni-industries/aico-gateway/internal/container"
	"github.com/boeni-industries/aico-gateway/internal/lifecycle"
	"github.com/boeni-industries/aico-gateway/internal/logconsumer"
	"github.com/boeni-industries/aico-gateway/internal/pipeline"
	"github.com/boeni-industries/aico-gateway/internal/session"
	"github.com/boeni-industries/aico-gateway/internal/token"
	"github.com/boeni-industries/aico-gateway/internal/transport/httpapi"
	"github.com/boeni-industries/aico-gateway/internal/transport/ipc"
	"github.com/boeni-industries/aico-gateway/internal/transport/ws"
	"github.com/boeni-industries/aico-gateway/internal/upstream"
	"github.com/boeni-industries/aico-gateway/pkg/gwlog"
)

func main() {
	log := gwlog.NewDefault("gateway")

	cfg, err := config.Load()
	if err != nil {
		log.Errorf("config: %v", err)
		os.Exit(1)
	}

	sessions := session.NewManager(session.Config{
		IdleTimeout:  cfg.Security.SessionIdleTimeout,
		AbsoluteTTL:  cfg.Security.SessionAbsoluteTTL,
		FailureLimit: cfg.Security.DecryptFailureLimit,
	})
	defer sessions.Close()

	tokens, err := token.NewManager(token.Config{
		SigningKey:         []byte(cfg.Security.JWTSigningKey),
		AccessTTL:          cfg.Security.AccessTokenTTL,
		RefreshTTL:         cfg.Security.RefreshTokenTTL,
		ClockSkewTolerance: cfg.Security.ClockSkewTolerance,
		ProactiveWindow:    cfg.Security.ProactiveRefresh,
	})
	if err != nil {
		log.Errorf("token manager: %v", err)
		os.Exit(1)
	}

	msgBus := bus.New(bus.Config{}, gwlog.NewDefault("bus"))

	routes := pipeline.NewRouteTable()
	// users.refresh rotates a refresh token into a fresh pair: it can't
	// carry a live access token (the whole point is replacing an
	// expired one), so it's public for auth purposes even though it
	// still flows through the encrypted envelope like any other route.
	// The Auth plugin therefore gets its own table with that one extra
	// public entry, while the Encryption plugin uses the shared one.
	authRoutes := pipeline.NewRouteTable()
	authRoutes.MarkPublic("POST", "/users/refresh")

	pl := pipeline.New()
	pl.Register(pipeline.NewEncryptionPlugin(sessions, routes))
	pl.Register(pipeline.NewAuthPlugin(tokens, authRoutes))
	pl.Register(pipeline.NewRateLimitPlugin(cfg.RateLimit.RequestsPerMinute, time.Minute, cfg.RateLimit.Burst))
	pl.Register(pipeline.NewValidationPlugin())

	routingTimeout := 30 * time.Second
	routingPlugin := pipeline.NewRoutingPlugin(msgBus, routingTimeout)
	for _, r := range []pipeline.Route{
		{Method: "POST", Path: "/echo", Subject: "echo.handle"},
		{Method: "POST", Path: "/users/authenticate", Subject: "users.authenticate"},
		{Method: "POST", Path: "/users/refresh", Subject: "users.refresh"},
		{Method: "POST", Path: "/conversation", Subject: "conversation.send"},
		{Method: "POST", Path: "/tts", Subject: "tts.synthesize"},
	} {
		routingPlugin.AddRoute(r)
	}
	pl.Register(routingPlugin)

	// The downstream services named in spec §6's bus-subject examples
	// are out of scope (spec.md Non-goals); a stub answers each one so
	// the Routing plugin has somewhere to forward to.
	stub := upstream.New(msgBus, map[string]upstream.Handler{
		"echo.handle":        upstream.Echo,
		"users.authenticate": upstream.Ack("users"),
		"users.refresh":      refreshHandler(tokens),
		"conversation.send":  upstream.Ack("conversation"),
		"tts.synthesize":     upstream.Ack("tts"),
	}, gwlog.NewDefault("upstream"))

	c := container.New(log)
	mustRegister(log, c, stub, nil, 0)

	var cryptoKey []byte
	if cfg.Database.CryptoKeyHex != "" {
		cryptoKey, err = hex.DecodeString(cfg.Database.CryptoKeyHex)
		if err != nil {
			log.Errorf("database.crypto_key_hex: %v", err)
			os.Exit(1)
		}
	}

	if cfg.Database.DSN != "" {
		store, err := logconsumer.NewPostgresStore(cfg.Database.DSN, cryptoKey)
		if err != nil {
			log.Errorf("log store: %v", err)
			os.Exit(1)
		}
		consumer := logconsumer.NewConsumer(logconsumer.Config{
			BatchSize:     cfg.Database.BatchSize,
			FlushInterval: cfg.Database.FlushInterval,
		}, msgBus, store, gwlog.NewDefault("logconsumer"))
		mustRegister(log, c, consumer, nil, 10)
	} else {
		log.Warnf("database.dsn not set, running without a log consumer")
	}

	healthFn := func(ctx context.Context) map[string]any {
		rollup := c.HealthRollup(ctx)
		return map[string]any{"status": rollup.Status, "components": rollup.Components}
	}

	restCfg := httpapi.Config{
		Addr:        cfg.APIGateway.Host + ":" + strconv.Itoa(cfg.APIGateway.Port),
		CORSOrigins: []string{"*"},
	}
	rest := httpapi.NewServer(restCfg, pl, sessions, routes, healthFn, gwlog.NewDefault("http"))
	mustRegister(log, c, rest, []string{"upstream-stub"}, 100)

	wsServer := ws.NewServer(ws.Config{Addr: cfg.APIGateway.Host + ":8444"}, pl, gwlog.NewDefault("ws"))
	mustRegister(log, c, wsServer, []string{"upstream-stub"}, 100)

	ipcServer := ipc.NewServer(ipc.Config{
		SocketPath:    cfg.APIGateway.IPCSocket,
		RequireBearer: true,
	}, pl, gwlog.NewDefault("ipc"))
	mustRegister(log, c, ipcServer, []string{"upstream-stub"}, 100)

	lifecycleMgr := lifecycle.New(lifecycle.Config{}, c, gwlog.NewDefault("lifecycle"))
	rest.WithRecorder(lifecycleMgr.Metrics())
	wsServer.WithRecorder(lifecycleMgr.Metrics())
	ipcServer.WithRecorder(lifecycleMgr.Metrics())

	if err := lifecycleMgr.Run(context.Background()); err != nil {
		log.Errorf("gateway: %v", err)
		os.Exit(1)
	}
}

// mustRegister registers svc on the container, exiting the process on
// a registration error (a duplicate or post-start registration, both
// of which are programmer errors rather than recoverable conditions).
func mustRegister(log *gwlog.Logger, c *container.Container, svc container.Service, deps []string, priority int) {
	if err := c.Register(svc, deps, priority); err != nil {
		log.Errorf("container: register %s: %v", svc.Name(), err)
		os.Exit(1)
	}
}

// refreshHandler closes over the Token Manager so the refresh flow
// stays a gateway-internal operation rather than a proxied downstream
// call, matching spec §6's "refresh is handled by the Token Manager,
// not via the Authorization header" distinction.
func refreshHandler(tokens *token.Manager) upstream.Handler {
	return func(payload map[string]any) (map[string]any, error) {
		refreshToken, _ := payload["refresh_token"].(string)
		pair, err := tokens.Refresh(refreshToken)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"access_token":  pair.AccessToken,
			"refresh_token": pair.RefreshToken,
			"access_expiry": pair.AccessExpiry,
		}, nil
	}
}
