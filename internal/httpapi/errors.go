package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vango-go/voicelink/pkg/live/conversation"
	"github.com/vango-go/voicelink/pkg/live/liveerr"
	"github.com/vango-go/voicelink/pkg/live/state"
)

var (
	errNotFound         = errors.New("route not found")
	errMethodNotAllowed = errors.New("method not allowed")
	errDraining         = errors.New("server is shutting down")
	errInternal         = errors.New("internal error")
)

type apiError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type envelope struct {
	Error apiError `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeJSON(w, status, envelope{Error: apiError{
		Type:      errorType(status),
		Message:   err.Error(),
		RequestID: middleware.GetReqID(r.Context()),
	}})
}

// writeFromError maps conversation errors to HTTP statuses.
func writeFromError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, conversation.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotConnected), errors.Is(err, state.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, liveerr.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, liveerr.ErrConnection), errors.Is(err, liveerr.ErrSend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed_error"
	case http.StatusConflict:
		return "conflict_error"
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return "vendor_error"
	case http.StatusServiceUnavailable:
		return "unavailable_error"
	default:
		return "api_error"
	}
}

func recoverer(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					log.Error("panic", zap.Any("panic", v), zap.String("path", r.URL.Path))
					writeError(w, r, http.StatusInternalServerError, errInternal)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}
