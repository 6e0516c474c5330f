package web

// errors.go renders failures of the HTTP boundary itself. Workflow errors
// are turned into reply text by the bot package and only reach here as
// *bot.UnexpectedError.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/JonMunkholm/sheetbot/internal/bot"
	"github.com/JonMunkholm/sheetbot/internal/logging"
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

var (
	errMalformedActivity = bot.UserMessage{
		Message: "The request body is not a valid activity",
		Action:  "Send a JSON activity with at least a type and conversation id.",
		Code:    "REQ001",
	}
	errBodyTooLarge = bot.UserMessage{
		Message: "The request body is too large",
		Action:  "Send large files as links instead of inline data.",
		Code:    "REQ002",
	}
	errRateLimited = bot.UserMessage{
		Message: "Too many requests",
		Action:  "Wait a moment and try again.",
		Code:    "REQ003",
	}
	errUntrustedServiceURL = bot.UserMessage{
		Message: "The activity's service URL is not a trusted channel host",
		Action:  "Add the host to BOT_SERVICE_URL_HOSTS if it belongs to your channel.",
		Code:    "SEND002",
	}
	errReplyFailed = bot.UserMessage{
		Message: "The reply could not be delivered to the channel",
		Action:  "Check the channel's service URL and the bot credentials.",
		Code:    "SEND001",
	}
)

// respondError logs err with the request id and writes msg as JSON.
func respondError(w http.ResponseWriter, r *http.Request, status int, msg bot.UserMessage, err error) {
	args := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", msg.Code,
	}
	if err != nil {
		args = append(args, "error", err)
	}
	logger := logging.FromContext(r.Context())
	if status >= 500 {
		logger.Error("request error", args...)
	} else {
		logger.Warn("request error", args...)
	}

	writeJSON(w, status, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// respondUnexpected reports a workflow failure without leaking its detail.
func respondUnexpected(w http.ResponseWriter, r *http.Request, err error) {
	var ue *bot.UnexpectedError
	if errors.As(err, &ue) && len(ue.Stack) > 0 {
		logging.FromContext(r.Context()).Debug("panic stack", "stack", string(ue.Stack))
	}
	respondError(w, r, http.StatusInternalServerError, bot.MapError(err), err)
}

// writeJSON encodes v with the given status. Encoding errors are only
// logged since the header is already out.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
