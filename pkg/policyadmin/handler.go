package policyadmin

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/crawlcoord/internal/httpserver"
	"github.com/wisbric/crawlcoord/pkg/crawldomain"
)

// Handler exposes operator CRUD over CrawlPolicy.
type Handler struct {
	svc        *Service
	adminToken string
}

// NewHandler creates a Handler. adminToken gates every route via adminAuth.
func NewHandler(svc *Service, adminToken string) *Handler {
	return &Handler{svc: svc, adminToken: adminToken}
}

// Routes returns a chi.Router with all policy admin routes mounted, protected
// by a static admin-token check (constant-time comparison).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.adminAuth)
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Put("/", h.handleUpdate)
		r.Delete("/", h.handleDelete)
	})
	return r
}

// adminAuth rejects requests whose X-Admin-Token header does not match the
// configured admin token, via constant-time comparison.
func (h *Handler) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			httpserver.RespondError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	p, err := h.svc.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, p)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	policies, total, err := h.svc.List(r.Context(), params.PageSize, params.Offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(policies, params, total))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, p)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	var req UpdatePolicyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	p, err := h.svc.Update(r.Context(), id, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, p)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawldomain.ErrValidation):
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, crawldomain.ErrNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}
