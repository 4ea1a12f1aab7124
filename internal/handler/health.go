package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/warehouse-stock-ledger/internal/queue"
)

// HealthHandler reports service liveness plus the reachability of its
// backing stores.  Redis is optional; a nil client reports "disabled".
type HealthHandler struct {
	DB  *sql.DB
	RDB *redis.Client
}

// Health answers load balancer probes.  The endpoint stays 200 as long
// as MySQL is reachable; degraded dependencies are reported in the body.
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := echo.Map{"status": "ok"}
	if err := h.DB.PingContext(ctx); err != nil {
		status["status"] = "degraded"
		status["mysql"] = err.Error()
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	status["mysql"] = "ok"
	if h.RDB == nil {
		status["redis"] = "disabled"
	} else if err := h.RDB.Ping(ctx).Err(); err != nil {
		status["status"] = "degraded"
		status["redis"] = err.Error()
	} else {
		status["redis"] = "ok"
	}
	if conn, err := amqp.Dial(queue.BrokerURL()); err != nil {
		status["status"] = "degraded"
		status["rabbitmq"] = err.Error()
	} else {
		_ = conn.Close()
		status["rabbitmq"] = "ok"
	}
	return c.JSON(http.StatusOK, status)
}
