package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jinford/docpipe/internal/module/pipeline/adapter/blob"
	"github.com/jinford/docpipe/internal/module/pipeline/adapter/memory"
	"github.com/jinford/docpipe/internal/module/pipeline/adapter/parser"
	pipelineapp "github.com/jinford/docpipe/internal/module/pipeline/application"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
	testutil "github.com/jinford/docpipe/internal/module/pipeline/testing"
	retrievalapp "github.com/jinford/docpipe/internal/module/retrieval/application"
	retrievaldomain "github.com/jinford/docpipe/internal/module/retrieval/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const notes = "Postgres stores vector embeddings for similarity search."

type apiFixture struct {
	store  *memory.Store
	worker *pipelineapp.WorkerPool
	server *Server
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	blobs, err := blob.NewLocalFS(t.TempDir())
	require.NoError(t, err)
	embedder := &testutil.BagOfWordsEmbedder{}

	processor := pipelineapp.NewStageProcessor(
		store.Documents(), store.Staging(), store.Chunks(), blobs,
		parser.NewTextParser(), &testutil.MockChunker{}, embedder,
		pipelineapp.ProcessorConfig{}, log,
	)
	server := &Server{
		Intake:    pipelineapp.NewIntakeService(store.Documents(), store.Jobs(), blobs, nil, log),
		Status:    pipelineapp.NewStatusService(store.Documents(), store.Jobs(), store.Events(), log),
		Retrieval: retrievalapp.NewRetrievalService(store.Search(), embedder, retrievalapp.Config{Threshold: 0.3, MaxResults: 5}, log),
		Logger:    log,
	}
	return &apiFixture{
		store:  store,
		worker: pipelineapp.NewWorkerPool(store.Jobs(), processor, pipelineapp.WorkerConfig{}, log),
		server: server,
		router: server.Router(),
	}
}

func (f *apiFixture) do(t *testing.T, method, path, user string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) doJSON(t *testing.T, method, path, user string, v any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if v != nil {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	return f.do(t, method, path, user, body, "application/json")
}

func (f *apiFixture) upload(t *testing.T, user, filename, content string) ingestResponse {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("mimeType", "text/plain"))
	require.NoError(t, mw.Close())

	rec := f.do(t, http.MethodPost, "/v1/documents", user, &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (f *apiFixture) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		processed, err := f.worker.RunOnce(context.Background(), "api-test")
		require.NoError(t, err)
		if !processed {
			return
		}
	}
	t.Fatal("worker did not drain the queue")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestServer_Health(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.server.Health = func(ctx context.Context) error { return errors.New("database down") }
	rec = f.do(t, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_RequiresUser(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.doJSON(t, http.MethodPost, "/v1/retrieve", "", retrieveRequest{Query: "vector"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_UploadProcessRetrieve(t *testing.T) {
	f := newAPIFixture(t)

	uploaded := f.upload(t, "alice", "notes.txt", notes)
	require.NotNil(t, uploaded.Job)
	assert.False(t, uploaded.Duplicate)
	id := uploaded.Document.ID.String()

	rec := f.do(t, http.MethodGet, "/v1/documents/"+id+"/status", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StageQueued, decode[domain.JobStatus](t, rec).Stage)

	f.drain(t)

	rec = f.do(t, http.MethodGet, "/v1/documents/"+id+"/status", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[domain.JobStatus](t, rec)
	assert.Equal(t, 100, status.Progress)
	assert.Equal(t, "ready", status.Message)

	rec = f.do(t, http.MethodGet, "/v1/documents/"+id+"/events", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[map[string][]domain.Event](t, rec)["events"]
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventFinalized, events[len(events)-1].Type)

	rec = f.doJSON(t, http.MethodPost, "/v1/retrieve", "alice", retrieveRequest{Query: "vector embeddings similarity search"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[retrievaldomain.Response](t, rec)
	assert.Equal(t, retrievaldomain.OutcomeMatches, resp.Outcome)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, notes, resp.Matches[0].Content)

	// 他のユーザーのチャンクは検索されず、ドキュメントも見えない
	rec = f.doJSON(t, http.MethodPost, "/v1/retrieve", "bob", retrieveRequest{Query: "vector embeddings similarity search"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, retrievaldomain.OutcomeNoMatches, decode[retrievaldomain.Response](t, rec).Outcome)

	rec = f.do(t, http.MethodGet, "/v1/documents/"+id+"/status", "bob", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// 同じ内容の再アップロードは何も作成しない
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "copy.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte(notes))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	rec = f.do(t, http.MethodPost, "/v1/documents", "alice", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[ingestResponse](t, rec).Duplicate)
}

func TestServer_TwoStepUpload(t *testing.T) {
	f := newAPIFixture(t)
	content := []byte(notes)

	rec := f.doJSON(t, http.MethodPost, "/v1/uploads", "alice", registerRequest{
		Filename:    "notes.txt",
		MIMEType:    "text/plain",
		Size:        int64(len(content)),
		ContentHash: domain.ContentHash(content),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg := decode[registerResponse](t, rec)
	require.NotEmpty(t, reg.UploadURL)
	id := reg.Document.ID.String()

	rec = f.do(t, http.MethodPost, "/v1/uploads/"+id+"/complete", "alice", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPut, reg.UploadURL, "alice", bytes.NewReader([]byte("something else entirely")), "application/octet-stream")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPut, reg.UploadURL, "alice", bytes.NewReader(content), "application/octet-stream")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/uploads/"+id+"/complete", "alice", nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	done := decode[ingestResponse](t, rec)
	require.NotNil(t, done.Job)
	assert.Equal(t, domain.DocumentStatusProcessing, done.Document.Status)

	// 確認済みの登録を繰り返しても新しいジョブは作られない
	rec = f.do(t, http.MethodPost, "/v1/uploads/"+id+"/complete", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[ingestResponse](t, rec).Duplicate)

	rec = f.doJSON(t, http.MethodPost, "/v1/uploads", "alice", registerRequest{
		Filename:    "notes.txt",
		MIMEType:    "text/plain",
		Size:        int64(len(content)),
		ContentHash: domain.ContentHash(content),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[registerResponse](t, rec)
	assert.False(t, again.Created)
	assert.Empty(t, again.UploadURL)
}

func TestServer_RegisterValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.doJSON(t, http.MethodPost, "/v1/uploads", "alice", registerRequest{Filename: "notes.txt"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/uploads", "alice", bytes.NewReader([]byte(`{"unknown":1}`)), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/documents/not-a-uuid/status", "alice", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_DeleteAndRequeue(t *testing.T) {
	f := newAPIFixture(t)

	uploaded := f.upload(t, "alice", "notes.txt", notes)
	id := uploaded.Document.ID.String()
	f.drain(t)

	rec := f.do(t, http.MethodPost, "/v1/documents/"+id+"/requeue", "alice", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/documents/"+id, "bob", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/documents/"+id, "alice", nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/documents/"+id+"/status", "alice", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.doJSON(t, http.MethodPost, "/v1/retrieve", "alice", retrieveRequest{Query: "vector embeddings similarity search"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, retrievaldomain.OutcomeNoMatches, decode[retrievaldomain.Response](t, rec).Outcome)
}

func TestServer_RetrieveUnavailable(t *testing.T) {
	f := newAPIFixture(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.server.Retrieval = retrievalapp.NewRetrievalService(f.store.Search(), nil, retrievalapp.DefaultConfig(), log)
	f.router = f.server.Router()

	rec := f.doJSON(t, http.MethodPost, "/v1/retrieve", "alice", retrieveRequest{Query: "vector"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.doJSON(t, http.MethodPost, "/v1/retrieve", "alice", retrieveRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidUpload, http.StatusBadRequest},
		{retrievaldomain.ErrInvalidQuery, http.StatusBadRequest},
		{domain.ErrDocumentNotFound, http.StatusNotFound},
		{domain.ErrJobNotFound, http.StatusNotFound},
		{domain.ErrContentMismatch, http.StatusUnprocessableEntity},
		{domain.ErrUploadIncomplete, http.StatusConflict},
		{domain.ErrNotDeadlettered, http.StatusConflict},
		{retrievaldomain.ErrRetrievalUnavailable, http.StatusServiceUnavailable},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
