package tools

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router builds the HTTP frontend: POST /v1/tools/{op} for every operation,
// plus health and metrics endpoints.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.node.Metrics().Handler())

	r.Post("/v1/tools/{op}", func(w http.ResponseWriter, req *http.Request) {
		op := chi.URLParam(req, "op")
		args, err := io.ReadAll(req.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": &Error{Kind: KindBadArgument, Message: err.Error()},
			})
			return
		}
		res, err := s.Dispatch(req.Context(), op, args)
		if err != nil {
			e := asError(err)
			writeJSON(w, statusFor(e.Kind), map[string]interface{}{"error": e})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"result": res})
	})
	return r
}

func statusFor(kind string) int {
	switch kind {
	case KindBadArgument, KindInvalidTicket, KindUnknownOp:
		return http.StatusBadRequest
	case KindNotJoined, KindUnknownSkill:
		return http.StatusNotFound
	case KindAlreadyJoined:
		return http.StatusConflict
	case KindPolicyRejected, KindInvalidSignature, KindSignerUnavailable:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
