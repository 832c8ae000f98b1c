package proxy

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cappuccinotm/slogx"
)

// JSON writes the value as a JSON body with the given status.
// The trailer is appended to the body; it is only ever set for
// pipeline-generated bodies, proxied upstream bodies bypass this
// helper entirely.
func JSON(w http.ResponseWriter, status int, v any, trailer string) {
	w.Header().Set("Content-Type", "application/json")

	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to serialize JSON response", slogx.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal"}`))
		return
	}

	w.WriteHeader(status)
	_, _ = w.Write(append(body, trailer...))
}
