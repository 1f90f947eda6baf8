package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"AudioDeck/config"
	"AudioDeck/core/auth"
	"AudioDeck/core/console"
	"AudioDeck/logger"
)

// Server is the HTTP and websocket front of one console.
type Server struct {
	cfg     *config.Config
	api     *APIHandler
	hub     *StateHub
	handler http.Handler
}

// New builds the router. Call Run to serve.
func New(cfg *config.Config, c *console.Console, authn *auth.Authenticator) *Server {
	hub := NewStateHub(c, DefaultCoalesce)
	api := NewAPIHandler(c, authn, hub)
	s := &Server{cfg: cfg, api: api, hub: hub}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the websocket hub.
func (s *Server) Hub() *StateHub { return s.hub }

func (s *Server) routes() http.Handler {
	api := s.api
	router := mux.NewRouter()

	router.HandleFunc("/api/auth/login", api.LoginHandler).Methods(http.MethodPost)
	router.HandleFunc("/ws", api.WebSocketHandler).Methods(http.MethodGet)
	router.Handle("/media/{id}", NewMediaHandler(api.console.Assets())).Methods(http.MethodGet, http.MethodHead)

	r := router.PathPrefix("/api").Subrouter()
	r.Use(api.AuthMiddleware)

	r.HandleFunc("/state", api.StateHandler).Methods(http.MethodGet)
	r.HandleFunc("/master", api.MasterVolumeHandler).Methods(http.MethodPut, http.MethodPost)

	// 固定路径要先于 /{category}/{id}/{action} 注册
	r.HandleFunc("/bgm/fade/{dir}", api.FadeHandler).Methods(http.MethodPost)

	r.HandleFunc("/image/upload", api.UploadImageHandler).Methods(http.MethodPost)
	r.HandleFunc("/image", api.DeleteImageHandler).Methods(http.MethodDelete)
	r.HandleFunc("/image/fit", api.ImageFitHandler).Methods(http.MethodPut, http.MethodPost)
	r.HandleFunc("/image/opacity", api.ImageOpacityHandler).Methods(http.MethodPut, http.MethodPost)

	r.HandleFunc("/queue", api.QueueHandler).Methods(http.MethodGet)
	r.HandleFunc("/queue", api.ClearQueueHandler).Methods(http.MethodDelete)
	r.HandleFunc("/queue/stats", api.QueueStatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/queue/play-all", api.PlayAllHandler).Methods(http.MethodPost)
	r.HandleFunc("/queue/stop-all", api.StopAllHandler).Methods(http.MethodPost)
	r.HandleFunc("/queue/schedule", api.ScheduleHandler).Methods(http.MethodPost)
	r.HandleFunc("/queue/{queueId}", api.CancelQueuedHandler).Methods(http.MethodDelete)

	r.HandleFunc("/session/save", api.SaveSessionHandler).Methods(http.MethodPost)
	r.HandleFunc("/session/clear", api.ClearSessionHandler).Methods(http.MethodPost)

	r.HandleFunc("/{category}/upload", api.UploadHandler).Methods(http.MethodPost)
	r.HandleFunc("/{category}/{id}", api.DeleteTrackHandler).Methods(http.MethodDelete)
	r.HandleFunc("/{category}/{id}/replace", api.ReplaceHandler).Methods(http.MethodPost)
	r.HandleFunc("/{category}/{id}/{action}", api.TrackActionHandler).Methods(http.MethodPost)

	// 前端页面
	if s.cfg != nil && s.cfg.WebDir != "" {
		if _, err := os.Stat(s.cfg.WebDir); err == nil {
			router.PathPrefix("/").Handler(http.FileServer(http.Dir(s.cfg.WebDir)))
		}
	}
	// CORS 包在最外层，预检请求不经过路由匹配
	return corsMiddleware(router)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:        s.cfg.HTTPAddr,
		Handler:     s.handler,
		ReadTimeout: 60 * time.Second,
		// 上传大文件和 websocket 不设写超时
		IdleTimeout: 120 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP 服务启动", logger.String("addr", s.cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("正在关闭 HTTP 服务")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("HTTP 服务已停止")
	return nil
}
