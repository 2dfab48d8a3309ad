// Package v1 contains the full set of handler functions and routes
// supported by the v1 web api.
package v1

import (
	"net/http"

	"github.com/chainpaint/chainpaint/app/services/engine/handlers/v1/boardgrp"
	"github.com/chainpaint/chainpaint/foundation/events"
	"github.com/chainpaint/chainpaint/foundation/web"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log *zap.SugaredLogger
	KV  *redis.Client
	Hub *events.Hub
}

// PublicRoutes binds all the version 1 public routes.
func PublicRoutes(app *web.App, cfg Config) {
	bgh := boardgrp.Handlers{
		Log: cfg.Log,
		KV:  cfg.KV,
		Hub: cfg.Hub,
	}

	app.Handle(http.MethodGet, "", "/api/region/:rx/:ry", bgh.Region)
	app.Handle(http.MethodGet, "", "/api/region/:rx/:ry/meta", bgh.RegionMeta)
	app.Handle(http.MethodGet, "", "/api/region/:rx/:ry/timestamps", bgh.RegionTimestamps)
	app.Handle(http.MethodGet, "", "/api/regions", bgh.RegionsMeta)
	app.Handle(http.MethodGet, "", "/api/open-regions", bgh.OpenRegions)
	app.Handle(http.MethodGet, "", "/api/account/:id", bgh.Account)
	app.Handle(http.MethodGet, "", "/api/leaderboard", bgh.Leaderboard)
	app.Handle(http.MethodGet, "", "/api/health", bgh.Health)
	app.Handle(http.MethodGet, "", "/ws", bgh.Events)
}
