package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/log"
	"github.com/kindred/chat-relay/internal/protocol"
)

const maxBodyBytes = 64 << 10

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-readable code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrUnauthorized):
		// A missing or bad credential never reaches the handlers, so here it
		// means "not a participant".
		return http.StatusForbidden
	case errors.Is(err, chat.ErrInvalidContent):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if UserFrom(r.Context()) == "" && errors.Is(err, chat.ErrUnauthorized) {
		status = http.StatusUnauthorized
	}

	message := protocol.ErrorFor("", "", err).Message
	switch status {
	case http.StatusInternalServerError:
		logger := log.Ctx(r.Context())
		logger.Error().Err(err).Str(log.FieldPath, r.URL.Path).Msg("request failed")
	case http.StatusBadRequest:
		message = err.Error()
	case http.StatusUnauthorized:
		message = "invalid or missing credential"
	}
	if status == http.StatusTooManyRequests {
		secs := int(math.Ceil(chat.RetryAfter(err).Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: chat.Code(err), Message: message}})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &badRequestError{err: err}
	}
	return nil
}

type badRequestError struct{ err error }

func (e *badRequestError) Error() string { return "invalid request: " + e.err.Error() }

func (e *badRequestError) Is(target error) bool { return target == chat.ErrInvalidContent }

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
