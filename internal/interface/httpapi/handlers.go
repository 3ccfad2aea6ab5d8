package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jinford/docpipe/internal/module/pipeline/adapter/parser"
	pipelineapp "github.com/jinford/docpipe/internal/module/pipeline/application"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
	retrievaldomain "github.com/jinford/docpipe/internal/module/retrieval/domain"
)

type registerRequest struct {
	Filename    string `json:"filename"`
	MIMEType    string `json:"mimeType"`
	Size        int64  `json:"size"`
	ContentHash string `json:"contentHash"`
}

type registerResponse struct {
	Document  *domain.Document `json:"document"`
	Created   bool             `json:"created"`
	UploadURL string           `json:"uploadURL,omitempty"`
}

type ingestResponse struct {
	Document  *domain.Document `json:"document"`
	Job       *domain.Job      `json:"job,omitempty"`
	Duplicate bool             `json:"duplicate"`
}

type repositoryRequest struct {
	URL string `json:"url"`
	Ref string `json:"ref"`
}

type retrieveRequest struct {
	Query      string    `json:"query"`
	Vector     []float32 `json:"vector"`
	Threshold  *float64  `json:"threshold"`
	MaxResults int       `json:"maxResults"`
}

// handleRegisterUpload は2段階アップロードの1段階目。内容を受け取らずにドキュメントを登録します
func (s *Server) handleRegisterUpload(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	reg, err := s.Intake.Register(r.Context(), pipelineapp.UploadRequest{
		UserID:      userFrom(r.Context()),
		Filename:    req.Filename,
		MIMEType:    req.MIMEType,
		Size:        req.Size,
		ContentHash: req.ContentHash,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := registerResponse{Document: reg.Document, Created: reg.Created}
	status := http.StatusOK
	if reg.Document.Status == domain.DocumentStatusPending {
		resp.UploadURL = fmt.Sprintf("/v1/uploads/%s/content", reg.Document.ID)
	}
	if reg.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (s *Server) handlePutContent(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.ownedDocument(w, r)
	if !ok {
		return
	}
	body := http.MaxBytesReader(w, r.Body, s.Intake.MaxUploadSize())
	if err := s.Intake.PutContent(r.Context(), doc.ID, body); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.ownedDocument(w, r)
	if !ok {
		return
	}
	job, err := s.Intake.Confirm(r.Context(), doc.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	doc, err = s.Intake.Document(r.Context(), doc.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeIngest(w, &pipelineapp.IngestResult{Document: doc, Job: job, Duplicate: job == nil})
}

// handleIngest は multipart の file フィールドを一度に取り込みます
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.Intake.MaxUploadSize()+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, r, err)
			return
		}
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing 'file' field: %w", err))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		s.fail(w, r, fmt.Errorf("failed to read upload: %w", err))
		return
	}

	mimeType := r.FormValue("mimeType")
	if mimeType == "" {
		mimeType = parser.DetectMIME(header.Filename, content)
	}

	res, err := s.Intake.Ingest(r.Context(), pipelineapp.UploadRequest{
		UserID:   userFrom(r.Context()),
		Filename: header.Filename,
		MIMEType: mimeType,
		Content:  content,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeIngest(w, res)
}

func (s *Server) handleIngestRepository(w http.ResponseWriter, r *http.Request) {
	var req repositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if req.URL == "" {
		writeErr(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}

	res, err := s.Intake.IngestRepository(r.Context(), userFrom(r.Context()), req.URL, req.Ref)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.ownedDocument(w, r)
	if !ok {
		return
	}
	st, err := s.Status.Status(r.Context(), doc.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.ownedDocument(w, r)
	if !ok {
		return
	}
	events, err := s.Status.Events(r.Context(), doc.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []*domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.ownedDocument(w, r)
	if !ok {
		return
	}
	job, err := s.Status.Requeue(r.Context(), doc.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.ownedDocument(w, r)
	if !ok {
		return
	}
	if err := s.Intake.Delete(r.Context(), doc.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRetrieve は vector が指定されていればそのまま、なければ query を埋め込んで検索します
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	var (
		resp *retrievaldomain.Response
		err  error
	)
	user := userFrom(r.Context())
	if len(req.Vector) > 0 {
		resp, err = s.Retrieval.Retrieve(r.Context(), retrievaldomain.Query{
			UserID:     user,
			Vector:     req.Vector,
			Threshold:  req.Threshold,
			MaxResults: req.MaxResults,
		})
	} else {
		resp, err = s.Retrieval.RetrieveText(r.Context(), user, req.Query, req.Threshold, req.MaxResults)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ownedDocument は URL の {id} のドキュメントを取得します
// 他のユーザーのドキュメントは存在しないものとして扱います
func (s *Server) ownedDocument(w http.ResponseWriter, r *http.Request) (*domain.Document, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid document id: %w", err))
		return nil, false
	}
	doc, err := s.Intake.Document(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	if doc.UserID != userFrom(r.Context()) {
		s.fail(w, r, fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, id))
		return nil, false
	}
	return doc, true
}

func writeIngest(w http.ResponseWriter, res *pipelineapp.IngestResult) {
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, ingestResponse{Document: res.Document, Job: res.Job, Duplicate: res.Duplicate})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
