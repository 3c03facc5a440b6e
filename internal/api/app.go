package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/paygate/internal/placement"
	"github.com/kalambet/paygate/internal/products"
	"github.com/kalambet/paygate/internal/remoteconfig"
)

const maxBodySize = 1 << 20 // 1MB

// NewAppHandler returns the local HTTP API. Every route except /health
// requires the bearer token.
func NewAppHandler(svc *Service, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(traceRequests(slog.Default()))
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))

		r.Get("/status", handleStatus(svc))
		r.Post("/placements/{name}", handleRegister(svc))
		r.Post("/config/refresh", handleRefresh(svc))
		r.Get("/assignments", handleAssignments(svc))
		r.Post("/identity/reset", handleReset(svc))
		r.Patch("/identity/attributes", handleAttributes(svc))
		r.Post("/lifecycle/background", handleBackground(svc))
		r.Post("/transactions", handleTransaction(svc))
		r.Put("/products", handleProducts(svc))
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleStatus(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Status()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// RegisterRequest is the body of POST /placements/{name}.
type RegisterRequest struct {
	Params        map[string]any    `json:"params"`
	Substitutions map[string]string `json:"substitutions"`
	Locale        string            `json:"locale"`
}

func handleRegister(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		var body RegisterRequest
		if !decodeOptionalBody(w, r, &body) {
			return
		}

		res := svc.Register(r.Context(), placement.Request{
			Name:          name,
			Params:        body.Params,
			Substitutions: body.Substitutions,
			Locale:        body.Locale,
		})
		writeJSON(w, http.StatusOK, res)
	}
}

func handleRefresh(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Refresh(r.Context()); err != nil {
			var fe *remoteconfig.FetchError
			if errors.As(err, &fe) {
				httpError(w, http.StatusBadGateway, "config_fetch_error", "%s", fe.Error())
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "refreshing config: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
	}
}

func handleAssignments(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := svc.Assignments()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing assignments: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"assignments": entries})
	}
}

func handleReset(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Reset(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleAttributes(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var updates map[string]any
		if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(updates) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one attribute is required")
			return
		}

		attrs, err := svc.SetAttributes(updates)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "updating attributes: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"attributes": attrs})
	}
}

func handleBackground(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Background(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "persisting telemetry snapshot: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// TransactionRequest is the body of POST /transactions.
type TransactionRequest struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

func handleTransaction(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req TransactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}

		rec := svc.RecordTransaction(req.Name, req.Params)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": rec.ID, "status": "queued"})
	}
}

func handleProducts(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var list []products.Product
		if err := json.NewDecoder(r.Body).Decode(&list); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		for _, p := range list {
			if err := p.Validate(); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}

		if err := svc.RegisterProducts(list); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving products: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"registered": len(list)})
	}
}

// decodeOptionalBody decodes a JSON body when one is present. It writes the
// error response and returns false on malformed input.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}
