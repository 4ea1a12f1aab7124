package handler

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/warehouse-stock-ledger/internal/command"
	"github.com/iliyamo/warehouse-stock-ledger/internal/consistency"
	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
	"github.com/iliyamo/warehouse-stock-ledger/internal/projection"
	"github.com/iliyamo/warehouse-stock-ledger/internal/repository"
)

// StockHTTP is the thin HTTP boundary: decode a command, run it through
// the dispatcher, map the stable error code to a status.  No domain
// logic lives here.
type StockHTTP struct {
	Dispatcher   *command.Dispatcher
	Ledger       *repository.StockLedgerRepo
	Reservations *repository.ReservationRepo
	HardLocks    *repository.ActiveHardLocksRepo
	Rebuild      *projection.RebuildService
	Checker      *consistency.Checker
}

// ensureMeta validates the claim key and fills the correlation id.  A
// missing CommandID is rejected rather than generated: a server-minted
// id would give every retried submission a fresh claim and the
// deduplication ledger would never see the retry.
func ensureMeta(m *model.CommandMeta) error {
	if m.CommandID == "" {
		return model.ErrValidation
	}
	if m.CorrelationID == "" {
		m.CorrelationID = uuid.NewString()
	}
	return nil
}

// statusFor maps a stable error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case model.CodeValidationError:
		return http.StatusBadRequest
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeConcurrencyConflict,
		model.CodeInsufficientBalance,
		model.CodeHardLockConflict,
		model.CodeReservationNotAllocated,
		model.CodeIdempotencyInProgress,
		model.CodeRebuildInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *StockHTTP) dispatch(c echo.Context, cmd model.Command) error {
	result := h.Dispatcher.Dispatch(c.Request().Context(), cmd)
	if result.OK {
		return c.JSON(http.StatusOK, result)
	}
	return c.JSON(statusFor(result.ErrorCode), result)
}

// ----- command endpoints -----

// MoveStock handles POST /stock/movements.
func (h *StockHTTP) MoveStock(c echo.Context) error {
	var cmd model.MoveStockCommand
	if err := c.Bind(&cmd); err != nil {
		return c.JSON(http.StatusBadRequest, model.Failure(model.CodeValidationError))
	}
	if err := ensureMeta(&cmd.CommandMeta); err != nil {
		return c.JSON(http.StatusBadRequest, model.Failure(model.CodeValidationError))
	}
	return h.dispatch(c, cmd)
}

// ReserveStock handles POST /reservations.
func (h *StockHTTP) ReserveStock(c echo.Context) error {
	var cmd model.ReserveStockCommand
	if err := c.Bind(&cmd); err != nil {
		return c.JSON(http.StatusBadRequest, model.Failure(model.CodeValidationError))
	}
	if err := ensureMeta(&cmd.CommandMeta); err != nil {
		return c.JSON(http.StatusBadRequest, model.Failure(model.CodeValidationError))
	}
	return h.dispatch(c, cmd)
}

// StartPicking handles POST /reservations/:id/start-picking.
func (h *StockHTTP) StartPicking(c echo.Context) error {
	var cmd model.StartPickingCommand
	if err := c.Bind(&cmd); err != nil {
		return c.JSON(http.StatusBadRequest, model.Failure(model.CodeValidationError))
	}
	cmd.ReservationID = c.Param("id")
	if err := ensureMeta(&cmd.CommandMeta); err != nil {
		return c.JSON(http.StatusBadRequest, model.Failure(model.CodeValidationError))
	}
	return h.dispatch(c, cmd)
}

// PickStock handles POST /reservations/:id/pick.
func (h *StockHTTP) PickStock(c echo.Context) error {
	var cmd model.PickStockCommand
	if err := c.Bind(&cmd); err != nil {
		return c.JSON(http.StatusBadRequest, model.Failure(model.CodeValidationError))
	}
	cmd.ReservationID = c.Param("id")
	if err := ensureMeta(&cmd.CommandMeta); err != nil {
		return c.JSON(http.StatusBadRequest, model.Failure(model.CodeValidationError))
	}
	return h.dispatch(c, cmd)
}

// CancelReservation handles POST /reservations/:id/cancel.
func (h *StockHTTP) CancelReservation(c echo.Context) error {
	var cmd model.CancelReservationCommand
	if err := c.Bind(&cmd); err != nil {
		return c.JSON(http.StatusBadRequest, model.Failure(model.CodeValidationError))
	}
	cmd.ReservationID = c.Param("id")
	if err := ensureMeta(&cmd.CommandMeta); err != nil {
		return c.JSON(http.StatusBadRequest, model.Failure(model.CodeValidationError))
	}
	return h.dispatch(c, cmd)
}

// BumpReservation handles POST /reservations/:id/bump.
func (h *StockHTTP) BumpReservation(c echo.Context) error {
	var cmd model.BumpReservationCommand
	if err := c.Bind(&cmd); err != nil {
		return c.JSON(http.StatusBadRequest, model.Failure(model.CodeValidationError))
	}
	cmd.ReservationID = c.Param("id")
	if err := ensureMeta(&cmd.CommandMeta); err != nil {
		return c.JSON(http.StatusBadRequest, model.Failure(model.CodeValidationError))
	}
	return h.dispatch(c, cmd)
}

// ----- query endpoints -----

// Balance handles GET /stock/:warehouse/:location/:sku.  The hard-locked
// figure comes from the cached advisory read, never the locked path.
func (h *StockHTTP) Balance(c echo.Context) error {
	wh, loc, sku := c.Param("warehouse"), c.Param("location"), c.Param("sku")
	ledger, version, err := h.Ledger.Load(c.Request().Context(), wh, loc, sku)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load failed"})
	}
	hard, err := h.HardLocks.CachedHardLockedQty(c.Request().Context(), wh, loc, sku)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "hard lock read failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"warehouse_id": wh,
		"location":     loc,
		"sku":          sku,
		"balance":      ledger.Balance.String(),
		"hard_locked":  hard.String(),
		"version":      version,
	})
}

// Movements handles GET /stock/:warehouse/:location/:sku/movements.
func (h *StockHTTP) Movements(c echo.Context) error {
	wh, loc, sku := c.Param("warehouse"), c.Param("location"), c.Param("sku")
	movements, err := h.Ledger.ListMovements(c.Request().Context(), wh, loc, sku)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"movements": movements})
}

// ReservationStatus handles GET /reservations/:id.
func (h *StockHTTP) ReservationStatus(c echo.Context) error {
	res, version, err := h.Reservations.Load(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "reservation not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"reservation_id": res.ID,
		"state":          res.State,
		"priority":       res.Priority,
		"requested":      res.Requested,
		"allocations":    res.Allocations,
		"hard_locked":    res.HardLocked,
		"version":        version,
	})
}

// ----- rebuild and consistency endpoints -----

// RebuildProjection handles POST /projections/:name/rebuild.  Pass
// verify=false to skip the checksum gate; resetProgress=true is accepted
// and currently a no-op, rebuilds always start from scratch.
func (h *StockHTTP) RebuildProjection(c echo.Context) error {
	verify := c.QueryParam("verify") != "false"
	resetProgress := c.QueryParam("resetProgress") == "true"
	report, err := h.Rebuild.Rebuild(c.Request().Context(), c.Param("name"), verify, resetProgress)
	if err != nil {
		code := model.CodeFor(err)
		return c.JSON(statusFor(code), model.Failure(code))
	}
	return c.JSON(http.StatusOK, report)
}

// RebuildStatus handles GET /projections/:name/rebuild/status.
func (h *StockHTTP) RebuildStatus(c echo.Context) error {
	status, err := h.Rebuild.GetRebuildStatus(c.Request().Context(), c.Param("name"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "status query failed"})
	}
	return c.JSON(http.StatusOK, status)
}

// ProjectionDiff handles GET /projections/:name/diff.
func (h *StockHTTP) ProjectionDiff(c echo.Context) error {
	diff, err := h.Rebuild.GenerateDiffReport(c.Request().Context(), c.Param("name"))
	if err != nil {
		code := model.CodeFor(err)
		return c.JSON(statusFor(code), model.Failure(code))
	}
	return c.JSON(http.StatusOK, diff)
}

// Anomalies handles GET /consistency/anomalies, running the advisory
// checks on demand.
func (h *StockHTTP) Anomalies(c echo.Context) error {
	anomalies, err := h.Checker.Run(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "checks failed"})
	}
	if anomalies == nil {
		anomalies = []model.ConsistencyAnomaly{}
	}
	return c.JSON(http.StatusOK, echo.Map{"anomalies": anomalies})
}
