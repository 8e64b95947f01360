package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/backbone/internal/app/audit"
	"github.com/tutu-network/backbone/internal/domain"
)

// ─── Services ───────────────────────────────────────────────────────────────
//
// GET  /api/ledger/{userID}/balance         stored balance and purge flag
// GET  /api/ledger/{userID}/history?limit=  entries, newest first
// GET  /api/ledger/{userID}/verify          replay against stored balance
// GET  /api/events?limit=                   recent bus events, newest first
// GET  /api/notifications/{userID}/pending  queued fragments
// POST /api/notifications/{userID}/flush    deliver the batch now
// POST /api/audit/scan                      one-shot scan, optional {user_ids}

// LedgerService is the read side of the ledger.
type LedgerService interface {
	Account(ctx context.Context, userID int64) (*domain.Account, error)
	History(ctx context.Context, userID int64, limit int) ([]domain.LedgerEntry, error)
	Replay(ctx context.Context, userID int64) (domain.ReplayResult, error)
	ReplayTolerance() int64
}

// EventHistory returns recent bus events.
type EventHistory interface {
	History(limit int) []domain.Event
}

// NotificationService exposes pending batches.
type NotificationService interface {
	Pending(recipientID int64) []domain.NotificationItem
	FlushNow(ctx context.Context, recipientID int64) error
}

// AuditService runs consistency scans.
type AuditService interface {
	Scan(ctx context.Context, opts audit.ScanOptions) (domain.AuditResult, error)
}

// Services holds references to the components the API reads from.
type Services struct {
	Ledger        LedgerService
	Events        EventHistory
	Notifications NotificationService
	Auditor       AuditService
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	defaultEventLimit   = 100
	maxEventLimit       = 1000
)

// ─── Ledger ─────────────────────────────────────────────────────────────────

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not initialized")
		return
	}
	userID, ok := userIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	acct, err := s.svc.Ledger.Account(r.Context(), userID)
	if err != nil {
		s.logger.Error("balance lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{
		"user_id": userID,
		"balance": int64(0),
		"exists":  acct != nil,
	}
	if acct != nil {
		resp["balance"] = acct.Balance
		resp["purged"] = acct.Purged
		resp["updated_at"] = acct.UpdatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not initialized")
		return
	}
	userID, ok := userIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	limit, ok := limitParam(r, defaultHistoryLimit, maxHistoryLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	entries, err := s.svc.Ledger.History(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("history lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not initialized")
		return
	}
	userID, ok := userIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	res, err := s.svc.Ledger.Replay(r.Context(), userID)
	if err != nil {
		s.logger.Error("replay failed", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"replay":     res,
		"drift":      res.Drift(),
		"tolerance":  s.svc.Ledger.ReplayTolerance(),
		"consistent": res.Consistent(s.svc.Ledger.ReplayTolerance()),
	})
}

// ─── Events ─────────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.svc.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not initialized")
		return
	}
	limit, ok := limitParam(r, defaultEventLimit, maxEventLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	events := s.svc.Events.History(limit)
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// ─── Notifications ──────────────────────────────────────────────────────────

type pendingItem struct {
	Kind      domain.NotificationKind `json:"kind"`
	Priority  string                  `json:"priority"`
	Data      map[string]any          `json:"data,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if s.svc.Notifications == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications not initialized")
		return
	}
	userID, ok := userIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	items := s.svc.Notifications.Pending(userID)
	out := make([]pendingItem, 0, len(items))
	for _, it := range items {
		out = append(out, pendingItem{
			Kind:      it.Kind,
			Priority:  it.Priority.String(),
			Data:      it.Data,
			CreatedAt: it.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"items":   out,
		"count":   len(out),
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if s.svc.Notifications == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications not initialized")
		return
	}
	userID, ok := userIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	pending := len(s.svc.Notifications.Pending(userID))
	if err := s.svc.Notifications.FlushNow(r.Context(), userID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrDeliveryFailure) {
			status = http.StatusBadGateway
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"flushed": pending,
	})
}

// ─── Audit ──────────────────────────────────────────────────────────────────

type scanRequest struct {
	UserIDs []int64 `json:"user_ids"`
	DryRun  bool    `json:"dry_run"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.svc.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "auditor not initialized")
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	opts := audit.ScanOptions{UserIDs: req.UserIDs, DryRun: req.DryRun, Scope: "api"}
	res, err := s.svc.Auditor.Scan(r.Context(), opts)
	if err != nil {
		s.logger.Warn("audit scan interrupted", zap.Int64("cursor", res.Cursor), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
