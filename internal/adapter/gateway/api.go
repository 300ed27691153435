package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"propwatch/internal/domain"
)

type clientKey struct{}

// RegisterRESTHandlers registers the REST API and metrics routes and starts
// counting bus events. Routes must be registered before Start.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	svc := newService(deps)
	started := svc.deps.Now()
	metrics := &Metrics{}
	if deps.Bus != nil {
		metrics.Subscribe(deps.Bus)
	}

	auth := func(next http.HandlerFunc) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, err := s.auth.Authenticate(requestToken(r))
			if err != nil {
				writeError(w, err)
				return
			}
			next(w, r.WithContext(context.WithValue(r.Context(), clientKey{}, info)))
		})
	}

	s.RegisterHTTPRoute("GET /api/v1/status", auth(statusHandler(svc, started, metrics)))
	s.RegisterHTTPRoute("GET /metrics", auth(metricsHandler(svc, started, metrics)))

	s.RegisterHTTPRoute("GET /api/v1/actions", auth(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		writeJSON(w, http.StatusOK, svc.listActions(r.Context(), domain.ActionFilter{
			Status:  domain.ActionStatus(q.Get("status")),
			AgentID: q.Get("agent"),
			CaseKey: q.Get("case"),
			Limit:   limit,
		}))
	}))
	s.RegisterHTTPRoute("GET /api/v1/actions/{id}", auth(func(w http.ResponseWriter, r *http.Request) {
		a, err := svc.getAction(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}))
	s.RegisterHTTPRoute("POST /api/v1/actions/{id}/approve", auth(func(w http.ResponseWriter, r *http.Request) {
		a, err := svc.approve(r.Context(), clientFrom(r), r.PathValue("id"))
		if err != nil {
			if a != nil {
				writeJSON(w, statusFor(err), map[string]any{"action": a, "error": err.Error()})
				return
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}))
	s.RegisterHTTPRoute("POST /api/v1/actions/{id}/reject", auth(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := readJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		a, err := svc.reject(r.Context(), clientFrom(r), r.PathValue("id"), body.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}))

	s.RegisterHTTPRoute("GET /api/v1/agents", auth(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.deps.Agents.Agents())
	}))
	s.RegisterHTTPRoute("POST /api/v1/agents/{id}/run", auth(func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.runAgent(r.Context(), clientFrom(r), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}))
	s.RegisterHTTPRoute("GET /api/v1/agents/{id}/runs", auth(func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		runs, err := svc.runs(r.Context(), r.PathValue("id"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	}))
	s.RegisterHTTPRoute("POST /api/v1/events", auth(func(w http.ResponseWriter, r *http.Request) {
		var req eventRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		runs, err := svc.dispatch(r.Context(), clientFrom(r), req.Type, req.Payload)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	}))

	return metrics
}

// requestToken reads a bearer token from the Authorization header or the
// token query parameter.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

func clientFrom(r *http.Request) *ClientInfo {
	info, _ := r.Context().Value(clientKey{}).(*ClientInfo)
	if info == nil {
		return &ClientInfo{}
	}
	return info
}

func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return domain.ErrRPCInvalidPayload
	}
	return decode(body, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error": err.Error(),
		"code":  string(domain.ErrorCodeOf(err)),
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrAuthInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRPCInvalidPayload), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrQueueConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrToolExecution):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
