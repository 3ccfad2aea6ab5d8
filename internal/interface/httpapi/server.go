package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	pipelineapp "github.com/jinford/docpipe/internal/module/pipeline/application"
	retrievalapp "github.com/jinford/docpipe/internal/module/retrieval/application"
)

// UserHeader は呼び出し元ユーザーを示すヘッダー。認証はこのサーバーの前段で行う前提です
const UserHeader = "X-User-ID"

// HealthCheck はデータストアの疎通確認です
type HealthCheck func(ctx context.Context) error

// Server はアップロード・状態確認・検索の HTTP API です
type Server struct {
	Intake    *pipelineapp.IntakeService
	Status    *pipelineapp.StatusService
	Retrieval *retrievalapp.RetrievalService
	Health    HealthCheck
	Logger    *slog.Logger
}

// Router はルーティング済みのハンドラを返します
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireUser)

		r.Post("/uploads", s.handleRegisterUpload)
		r.Put("/uploads/{id}/content", s.handlePutContent)
		r.Post("/uploads/{id}/complete", s.handleCompleteUpload)

		r.Post("/documents", s.handleIngest)
		r.Post("/documents/git", s.handleIngestRepository)
		r.Get("/documents/{id}/status", s.handleStatus)
		r.Get("/documents/{id}/events", s.handleEvents)
		r.Post("/documents/{id}/requeue", s.handleRequeue)
		r.Delete("/documents/{id}", s.handleDelete)

		r.Post("/retrieve", s.handleRetrieve)
	})

	return r
}

// ListenAndServe は ctx がキャンセルされるまでサーバーを実行し、その後グレースフルに停止します
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger().Info("HTTPサーバを起動しました", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	s.logger().Info("HTTPサーバを停止しました")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// requestLogger は各リクエストの結果を構造化ログに出力します
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger().Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()),
		)
	})
}

type userKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			writeErr(w, http.StatusUnauthorized, fmt.Errorf("%s header is required", UserHeader))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey{}).(string)
	return user
}
