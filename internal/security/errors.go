package security

import (
	"encoding/json"
	"net/http"
)

type ErrorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code string) {
	WriteJSONErrorFields(w, r, status, code, nil)
}

// WriteJSONErrorFields writes {error, correlation_id} plus extra top-level fields.
func WriteJSONErrorFields(w http.ResponseWriter, r *http.Request, status int, code string, fields map[string]any) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if len(fields) == 0 {
		_ = json.NewEncoder(w).Encode(ErrorResponse{
			Error:         code,
			CorrelationID: cid,
		})
		return
	}

	body := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		body[k] = v
	}
	body["error"] = code
	if cid != "" {
		body["correlation_id"] = cid
	}
	_ = json.NewEncoder(w).Encode(body)
}
