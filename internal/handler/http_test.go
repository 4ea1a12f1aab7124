package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/warehouse-stock-ledger/internal/command"
	"github.com/iliyamo/warehouse-stock-ledger/internal/model"
)

func postPick(t *testing.T, s *StockHTTP, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/reservations/:id/pick")
	c.SetParamNames("id")
	c.SetParamValues("res-1")
	if err := s.PickStock(c); err != nil {
		t.Fatalf("PickStock: %v", err)
	}
	return rec
}

func TestCommandWithoutCommandIDRejected(t *testing.T) {
	dispatched := 0
	d := command.NewDispatcher()
	d.Register("PickStock", command.HandlerFunc(func(ctx context.Context, cmd model.Command) model.CommandResult {
		dispatched++
		return model.Success(nil)
	}))
	s := &StockHTTP{Dispatcher: d}

	// Minting a command id server-side would give every retried
	// submission a fresh claim, so a missing id is a caller error.
	rec := postPick(t, s, `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), model.CodeValidationError) {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if dispatched != 0 {
		t.Fatalf("command dispatched without an id")
	}

	rec = postPick(t, s, `{"command_id":"c-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if dispatched != 1 {
		t.Fatalf("dispatched = %d, want 1", dispatched)
	}
}

func TestEnsureMetaFillsCorrelationID(t *testing.T) {
	m := model.CommandMeta{CommandID: "c-1"}
	if err := ensureMeta(&m); err != nil {
		t.Fatalf("ensureMeta: %v", err)
	}
	if m.CorrelationID == "" {
		t.Fatal("correlation id not filled")
	}
	if m.CommandID != "c-1" {
		t.Fatalf("command id rewritten to %q", m.CommandID)
	}
}
