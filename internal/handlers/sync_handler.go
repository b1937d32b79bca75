package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/agamariel/ordersync/internal/auth"
	"github.com/agamariel/ordersync/internal/models"
	"github.com/agamariel/ordersync/internal/services"
	"github.com/agamariel/ordersync/internal/storage"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	defaultLogLimit = 20
	maxLogLimit     = 100
)

// SyncTrigger запускает синхронизацию в фоне.
type SyncTrigger interface {
	Trigger(opts services.RunOptions) (*services.SyncRun, error)
	TriggerOpenOrders(opts services.OpenSyncOptions) (*services.SyncRun, error)
}

// SyncLogReader читает журнал запусков.
type SyncLogReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncLog, error)
	List(ctx context.Context, limit int) ([]*models.SyncLog, error)
}

// CheckpointReader читает чекпоинты потоков.
type CheckpointReader interface {
	Get(ctx context.Context, stream, source string) (*models.SyncCheckpoint, error)
}

// SyncHandler обрабатывает запросы статуса и ручного запуска синхронизации.
type SyncHandler struct {
	trigger     SyncTrigger
	logs        SyncLogReader
	checkpoints CheckpointReader
	logger      *slog.Logger
}

func NewSyncHandler(trigger SyncTrigger, logs SyncLogReader, checkpoints CheckpointReader, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandler{trigger: trigger, logs: logs, checkpoints: checkpoints, logger: logger}
}

// RunRequest - тело POST /api/sync/run.
type RunRequest struct {
	Stream      string     `json:"stream"`
	From        *time.Time `json:"from"`
	To          *time.Time `json:"to"`
	Days        int        `json:"days"`
	BatchSize   int        `json:"batch_size"`
	DryRun      bool       `json:"dry_run"`
	Force       bool       `json:"force"`
	OnlyMissing bool       `json:"only_missing"`
	StartPage   int        `json:"start_page"`
	Concurrency int        `json:"concurrency"`
}

// RunResponse - ответ на принятый запуск.
type RunResponse struct {
	SyncLogID string `json:"sync_log_id"`
	Stream    string `json:"stream"`
	Type      string `json:"type"`
}

// TriggerRun обрабатывает POST /api/sync/run.
func (h *SyncHandler) TriggerRun(c echo.Context) error {
	operator, err := auth.GetOperatorFromContext(c)
	if err != nil {
		return err
	}

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Stream == "" {
		req.Stream = services.StreamProcessedOrders
	}

	var run *services.SyncRun
	switch req.Stream {
	case services.StreamProcessedOrders, services.StreamHistoricalImport:
		run, err = h.trigger.Trigger(services.RunOptions{
			Stream:      req.Stream,
			Historical:  req.Stream == services.StreamHistoricalImport,
			From:        req.From,
			To:          req.To,
			Days:        req.Days,
			BatchSize:   req.BatchSize,
			DryRun:      req.DryRun,
			Force:       req.Force,
			OnlyMissing: req.OnlyMissing,
			StartPage:   req.StartPage,
		})
	case services.StreamOpenOrders:
		run, err = h.trigger.TriggerOpenOrders(services.OpenSyncOptions{
			BatchSize:   req.BatchSize,
			Concurrency: req.Concurrency,
			DryRun:      req.DryRun,
			Force:       req.Force,
		})
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown stream")
	}

	if err != nil {
		switch {
		case errors.Is(err, services.ErrSyncInProgress):
			return echo.NewHTTPError(http.StatusConflict, "sync already in progress")
		case errors.Is(err, services.ErrGatewayNotConfigured):
			return echo.NewHTTPError(http.StatusServiceUnavailable, "gateway is not configured")
		case errors.Is(err, services.ErrInvalidDateRange):
			return echo.NewHTTPError(http.StatusBadRequest, "invalid date range")
		default:
			h.logger.Error("failed to trigger sync", "stream", req.Stream, "operator", operator, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
		}
	}

	h.logger.Info("sync triggered", "stream", run.Stream, "sync_log_id", run.SyncLogID, "operator", operator, "dry_run", req.DryRun)

	return c.JSON(http.StatusAccepted, RunResponse{
		SyncLogID: run.SyncLogID.String(),
		Stream:    run.Stream,
		Type:      string(run.Type),
	})
}

// ListLogs обрабатывает GET /api/sync/logs.
func (h *SyncHandler) ListLogs(c echo.Context) error {
	limit := defaultLogLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = min(n, maxLogLimit)
	}

	logs, err := h.logs.List(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("failed to list sync logs", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	if len(logs) == 0 {
		return c.NoContent(http.StatusNoContent)
	}

	response := make([]*models.SyncLogResponse, 0, len(logs))
	for _, l := range logs {
		response = append(response, mapSyncLog(l))
	}
	return c.JSON(http.StatusOK, response)
}

// GetLog обрабатывает GET /api/sync/logs/:id.
func (h *SyncHandler) GetLog(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sync log id")
	}

	l, err := h.logs.GetByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrSyncLogNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "sync log not found")
		}
		h.logger.Error("failed to get sync log", "sync_log_id", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	return c.JSON(http.StatusOK, mapSyncLog(l))
}

// GetCheckpoint обрабатывает GET /api/sync/checkpoints/:stream.
func (h *SyncHandler) GetCheckpoint(c echo.Context) error {
	stream := c.Param("stream")
	source := c.QueryParam("source")
	if source == "" {
		source = services.DefaultCheckpointSource
	}

	cp, err := h.checkpoints.Get(c.Request().Context(), stream, source)
	if err != nil {
		if errors.Is(err, storage.ErrCheckpointNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "checkpoint not found")
		}
		h.logger.Error("failed to get checkpoint", "stream", stream, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	return c.JSON(http.StatusOK, &models.CheckpointResponse{
		Stream:    cp.Stream,
		Source:    cp.Source,
		Watermark: cp.Watermark.UTC().Format(time.RFC3339),
		Status:    string(cp.Status),
		Stats:     cp.Stats,
	})
}

// mapSyncLog преобразует запись журнала в DTO для HTTP-ответа.
func mapSyncLog(l *models.SyncLog) *models.SyncLogResponse {
	resp := &models.SyncLogResponse{
		ID:        l.ID.String(),
		Type:      string(l.Type),
		Stream:    l.Stream,
		Status:    string(l.Status),
		Counters:  l.Counters,
		Progress:  l.Progress,
		Error:     l.Error,
		StartedAt: l.StartedAt.UTC().Format(time.RFC3339),
	}
	if l.CompletedAt != nil {
		resp.CompletedAt = l.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}
