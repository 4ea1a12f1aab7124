// Package router wires the HTTP routes onto the Echo instance.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/warehouse-stock-ledger/internal/handler"
	"github.com/iliyamo/warehouse-stock-ledger/internal/middleware"
)

// RegisterHealth registers the unauthenticated health probe.
func RegisterHealth(e *echo.Echo, h *handler.HealthHandler) {
	e.GET("/healthz", h.Health)
}

// RegisterAuth registers the operator auth routes.  Register, login,
// refresh and logout live under /v1/auth without a session; /v1/me sits
// behind JWT auth.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string) {
	g := e.Group("/v1/auth")
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)
	g.POST("/logout", a.Logout)

	auth := e.Group("/v1")
	auth.Use(middleware.JWTAuth(jwtSecret))
	auth.GET("/me", a.Me)
}

// RegisterStock registers the command, query, rebuild and consistency
// routes.  Commands and rebuilds require a JWT; rateLimit is applied to
// the command group so a misbehaving client cannot flood the guard
// locks.
func RegisterStock(e *echo.Echo, s *handler.StockHTTP, jwtSecret string, rateLimit echo.MiddlewareFunc) {
	cmds := e.Group("/v1")
	cmds.Use(middleware.JWTAuth(jwtSecret))
	cmds.Use(rateLimit)
	cmds.POST("/stock/movements", s.MoveStock)
	cmds.POST("/reservations", s.ReserveStock)
	cmds.POST("/reservations/:id/start-picking", s.StartPicking)
	cmds.POST("/reservations/:id/pick", s.PickStock)
	cmds.POST("/reservations/:id/cancel", s.CancelReservation)
	cmds.POST("/reservations/:id/bump", s.BumpReservation)

	cmds.POST("/projections/:name/rebuild", s.RebuildProjection)

	queries := e.Group("/v1")
	queries.Use(middleware.JWTAuth(jwtSecret))
	queries.GET("/stock/:warehouse/:location/:sku", s.Balance)
	queries.GET("/stock/:warehouse/:location/:sku/movements", s.Movements)
	queries.GET("/reservations/:id", s.ReservationStatus)
	queries.GET("/projections/:name/rebuild/status", s.RebuildStatus)
	queries.GET("/projections/:name/diff", s.ProjectionDiff)
	queries.GET("/consistency/anomalies", s.Anomalies)
}
