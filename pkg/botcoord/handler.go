package botcoord

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/crawlcoord/internal/httpserver"
	"github.com/wisbric/crawlcoord/pkg/crawldomain"
)

// Handler exposes the C10 boundary adapter: POST /pull and POST /submit.
type Handler struct {
	svc *Service
}

// NewHandler creates a Handler over the given Service.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes returns a chi.Router with the bot-coordination routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/pull", h.handlePull)
	r.Post("/submit", h.handleSubmit)
	return r
}

type pullRequest struct {
	BotID    string `json:"bot_id" validate:"required,max=100"`
	APIToken string `json:"api_token" validate:"required"`
	MaxJobs  int    `json:"max_jobs"`
	Domain   string `json:"domain"`
}

type pulledJob struct {
	JobID          uuid.UUID `json:"job_id"`
	URL            string    `json:"url"`
	Priority       int       `json:"priority"`
	MaxRetries     int       `json:"max_retries"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	RetryCount     int       `json:"retry_count"`
	LockedUntil    string    `json:"locked_until"`
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req pullRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if req.MaxJobs == 0 {
		req.MaxJobs = 10
	}

	bot, err := h.svc.Authenticate(ctx, req.BotID, req.APIToken)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := h.svc.Pull(ctx, bot, req.MaxJobs, req.Domain)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	jobs := make([]pulledJob, len(result.Jobs))
	for i, j := range result.Jobs {
		jobs[i] = pulledJob{
			JobID:          j.JobID,
			URL:            j.URLHash,
			Priority:       j.Priority,
			MaxRetries:     j.MaxRetries,
			TimeoutSeconds: j.LockTTLSeconds,
			RetryCount:     j.RetryCount,
			LockedUntil:    j.LockedUntil.UTC().Format(httpTimeFormat),
		}
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"jobs":    jobs,
		"count":   len(jobs),
		"skipped": result.Skipped,
	})
}

type submitRequest struct {
	BotID      string                    `json:"bot_id" validate:"required,max=100"`
	APIToken   string                    `json:"api_token" validate:"required"`
	JobID      string                    `json:"job_id" validate:"required,uuid"`
	Success    bool                      `json:"success"`
	Price      *float64                  `json:"price"`
	Currency   *string                   `json:"currency"`
	Title      *string                   `json:"title"`
	InStock    *bool                     `json:"in_stock"`
	ParsedData crawldomain.ParsedData    `json:"parsed_data"`
	RawHTML    *string                   `json:"raw_html"`
	ErrorMsg   *string                   `json:"error_msg" validate:"omitempty,max=1000"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submitRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	jobID, err := uuid.Parse(req.JobID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "job_id must be a UUID")
		return
	}

	if req.Success {
		if req.Price == nil || *req.Price < 0 {
			httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "price is required and must be >= 0 on success")
			return
		}
		if req.Currency == nil || !currencyPattern(*req.Currency) {
			httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "currency is required and must match ^[A-Z]{3}$ on success")
			return
		}
	}

	bot, err := h.svc.Authenticate(ctx, req.BotID, req.APIToken)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	inStock := true
	if req.InStock != nil {
		inStock = *req.InStock
	}

	result, err := h.svc.Submit(ctx, bot, jobID, req.Success, req.Price, req.Currency, req.Title, inStock, req.ParsedData, req.RawHTML, req.ErrorMsg)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	switch result.Status {
	case crawldomain.JobDone:
		httpserver.Respond(w, http.StatusCreated, map[string]any{
			"result_id":       result.ResultID,
			"job_id":          jobID,
			"status":          "done",
			"price":           req.Price,
			"currency":        req.Currency,
			"policy_next_run": result.PolicyNextRun,
		})
	case crawldomain.JobPending:
		httpserver.Respond(w, http.StatusOK, map[string]any{
			"job_id":      jobID,
			"status":      "pending",
			"retry_count": result.RetryCount,
			"max_retries": result.MaxRetries,
			"message":     "submission recorded, job returned to the pending pool for retry",
		})
	case crawldomain.JobFailed:
		httpserver.Respond(w, http.StatusOK, map[string]any{
			"job_id":      jobID,
			"status":      "failed",
			"retry_count": result.RetryCount,
			"max_retries": result.MaxRetries,
			"error":       result.Error,
			"message":     "retries exhausted, job marked failed",
		})
	default:
		httpserver.Respond(w, http.StatusOK, map[string]any{"job_id": jobID, "status": strings.ToLower(string(result.Status))})
	}
}

const httpTimeFormat = "2006-01-02T15:04:05Z07:00"

func currencyPattern(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawldomain.ErrValidation):
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, crawldomain.ErrAuthentication):
		httpserver.RespondError(w, http.StatusUnauthorized, "authentication_error", err.Error())
	case errors.Is(err, crawldomain.ErrNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "job_not_found", err.Error())
	case errors.Is(err, crawldomain.ErrNotAssigned):
		httpserver.RespondError(w, http.StatusForbidden, "not_assigned", err.Error())
	case errors.Is(err, crawldomain.ErrJobNotLocked):
		httpserver.RespondError(w, http.StatusBadRequest, "job_not_locked", err.Error())
	case errors.Is(err, crawldomain.ErrLeaseExpired):
		httpserver.RespondError(w, http.StatusBadRequest, "lock_expired", err.Error())
	case errors.Is(err, crawldomain.ErrAlreadyLeased):
		httpserver.RespondError(w, http.StatusConflict, "already_leased", err.Error())
	default:
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}
