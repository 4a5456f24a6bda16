package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/vexdb/internal/tenant"
	"github.com/thebtf/vexdb/pkg/verrors"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyTenant
)

// maxBodyBytes caps JSON request bodies. Batch payloads can be large but
// bounded; imports stream separately and are exempt.
const maxBodyBytes = 64 << 20

// errorBody is the error envelope every failed request carries.
type errorBody struct {
	Success   bool           `json:"success"`
	ErrorCode verrors.Code   `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func tenantFrom(ctx context.Context) *tenant.Tenant {
	t, _ := ctx.Value(ctxKeyTenant).(*tenant.Tenant)
	return t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *verrors.Error
	if !errors.As(err, &verr) {
		if errors.Is(err, context.DeadlineExceeded) {
			verr = verrors.New(verrors.CodeTimeout, "request timed out")
		} else {
			verr = verrors.Wrap(verrors.CodeInternal, err, "internal error")
		}
	}
	status := verrors.HTTPStatus(verr.Code)
	if verr.Code == verrors.CodeRateLimitExceeded && verr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(verr.RetryAfter))
	}
	if status >= 500 {
		log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", requestIDFrom(r.Context())).Msg("Request failed")
	}
	writeJSON(w, status, errorBody{
		ErrorCode: verr.Code,
		Message:   verr.Message,
		Details:   verr.Details,
		RequestID: requestIDFrom(r.Context()),
	})
}

func decodeJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return verrors.New(verrors.CodeValidation, "request body is required")
		}
		return verrors.Wrap(verrors.CodeValidation, err, "malformed JSON body")
	}
	return nil
}
