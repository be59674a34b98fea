package api

import (
	"encoding/json"
	"net/http"

	"github.com/transcribeflow/dispatchd/internal/apperr"
	"github.com/transcribeflow/dispatchd/internal/xlog"
)

// errorResponse is the wire shape of every error: {"detail": "<message>"}
// (spec.md §6/§7 — a deliberate narrowing of the teacher's richer
// {code,message,request_id,details} envelope; the request ID still reaches
// the client via the X-Request-ID header set by xlog.Middleware).
type errorResponse struct {
	Detail string `json:"detail"`
}

// statusFor maps an apperr.Kind to its HTTP status (spec.md §7).
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case apperr.KindUpstreamUnavailable, apperr.KindKVUnavailable, apperr.KindDBUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError serializes err as the standard error envelope. A plain
// (non-*apperr.Error) err is treated as internal.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae, ok := err.(*apperr.Error)
	if !ok {
		ae = apperr.Newf(apperr.KindInternal, "%v", err)
	}
	status := statusFor(ae.Kind)
	if status >= http.StatusInternalServerError {
		xlog.FromContext(r.Context()).Error().Str("kind", string(ae.Kind)).Msg(ae.Message)
	}
	writeJSON(w, status, errorResponse{Detail: ae.Message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
