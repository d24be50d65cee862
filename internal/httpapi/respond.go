package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/fattiesbombom/breathr/internal/telegram"
	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

// errorBody is the shape of every non-2xx response.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type sendResponse struct {
	Success          bool            `json:"success"`
	Message          string          `json:"message"`
	ChatID           telegram.ChatID `json:"chat_id"`
	TelegramResponse json.RawMessage `json:"telegram_response"`
}

type usersResponse struct {
	Success bool     `json:"success"`
	Users   []string `json:"users"`
}

func writeJSON(w http.ResponseWriter, log logx.Logger, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Error("failed to encode JSON response", logx.Int("status", code), logx.Err(err))
	}
}

func writeError(w http.ResponseWriter, log logx.Logger, code int, msg, details string) {
	writeJSON(w, log, code, errorBody{Error: msg, Details: details})
}
