package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	pipelinedomain "github.com/jinford/docpipe/internal/module/pipeline/domain"
	retrievaldomain "github.com/jinford/docpipe/internal/module/retrieval/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor はアプリケーションのエラーを HTTP ステータスに変換します
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, pipelinedomain.ErrInvalidUpload),
		errors.Is(err, retrievaldomain.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, pipelinedomain.ErrDocumentNotFound),
		errors.Is(err, pipelinedomain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipelinedomain.ErrContentMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipelinedomain.ErrUploadIncomplete),
		errors.Is(err, pipelinedomain.ErrNotDeadlettered):
		return http.StatusConflict
	case errors.Is(err, retrievaldomain.ErrRetrievalUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail はエラーをレスポンスに書き込みます。500 の場合は詳細を隠してログに残します
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger().Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeErr(w, status, errors.New("internal error"))
		return
	}
	writeErr(w, status, err)
}
