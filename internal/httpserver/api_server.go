// Package httpserver HTTP入口：网关回调、会话查询与通道挂载
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"VoiceInterviewRelay/internal/coordinator"
	"VoiceInterviewRelay/internal/logger"
	"VoiceInterviewRelay/internal/relayserver"
	"VoiceInterviewRelay/internal/session"
	"VoiceInterviewRelay/internal/store"
	"VoiceInterviewRelay/internal/telephony"
)

const httpModule = "HTTP"

// Coordinator HTTP层依赖的协调器能力
type Coordinator interface {
	ConfirmConnected(ctx context.Context, id string) error
	HandleCallStatus(ctx context.Context, id, callStatus string) error
	Session(ctx context.Context, id string) (*session.Session, error)
	Stats() coordinator.Stats
}

// Options 服务器依赖与参数
type Options struct {
	Addr           string
	Coordinator    Coordinator
	Store          store.Store
	Relay          *relayserver.Server
	LogStream      http.HandlerFunc
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	HangupMessage  string
}

// APIResponse API响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// APIServer HTTP服务器
type APIServer struct {
	opts   Options
	router *mux.Router
	server *http.Server

	// 统计信息
	requestCount int64
	errorCount   int64
	responseTime []time.Duration
	startTime    time.Time
	mu           sync.RWMutex
}

// NewAPIServer 创建HTTP服务器
func NewAPIServer(opts Options) *APIServer {
	if opts.HangupMessage == "" {
		opts.HangupMessage = "This interview is no longer available. Goodbye."
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &APIServer{
		opts:      opts,
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return s
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	// 电话网关回调
	s.router.HandleFunc("/twiml", s.twimlHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/twilio/status", s.callStatusHandler).Methods(http.MethodPost)

	// 双工通道
	if s.opts.Relay != nil {
		s.router.HandleFunc("/ws", s.opts.Relay.HandleClient)
		s.router.HandleFunc("/voice", s.opts.Relay.HandleMediaStream)
	}
	if s.opts.LogStream != nil {
		s.router.HandleFunc("/logs", s.opts.LogStream)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/interviews", s.listInterviewsHandler).Methods(http.MethodGet)
	api.HandleFunc("/interviews/{id}", s.getInterviewHandler).Methods(http.MethodGet)
	api.HandleFunc("/health", s.healthCheckHandler).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
}

// Handler 返回带CORS的根处理器
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, time.Since(start))
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		s.mu.Lock()
		s.requestCount++
		s.responseTime = append(s.responseTime, duration)
		// 保持最近1000个请求的响应时间
		if len(s.responseTime) > 1000 {
			s.responseTime = s.responseTime[1:]
		}
		s.mu.Unlock()
	})
}

// twimlHandler 通话接通回调：确认会话并返回把通话音频桥接到 /voice 的TwiML
func (s *APIServer) twimlHandler(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("interviewId")
	params := map[string]string{"interviewId": id}

	if id != "" && s.opts.Coordinator != nil {
		if err := s.opts.Coordinator.ConfirmConnected(r.Context(), id); err != nil {
			logger.LogWarning(httpModule, fmt.Sprintf("拒绝接通回调: %v", err), id)
			s.writeTwiML(w, func() (string, error) { return telephony.HangupTwiML(s.opts.HangupMessage) })
			return
		}
		if sess, err := s.opts.Coordinator.Session(r.Context(), id); err == nil {
			params["topic"] = sess.Topic
		}
	}

	streamURL := "wss://" + r.Host + "/voice"
	s.writeTwiML(w, func() (string, error) { return telephony.StreamTwiML(streamURL, params) })
}

func (s *APIServer) writeTwiML(w http.ResponseWriter, render func() (string, error)) {
	doc, err := render()
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "twiml_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}

// callStatusHandler 通话状态回调
func (s *APIServer) callStatusHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid form body")
		return
	}

	id := r.URL.Query().Get("interviewId")
	status := r.PostForm.Get("CallStatus")
	if id == "" || status == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "interviewId and CallStatus are required")
		return
	}

	if s.opts.Coordinator != nil {
		if err := s.opts.Coordinator.HandleCallStatus(r.Context(), id, status); err != nil {
			logger.LogError(httpModule, fmt.Sprintf("处理通话状态 %s 失败: %v", status, err), id)
			if errors.Is(err, store.ErrNotFound) {
				s.writeErrorResponse(w, http.StatusNotFound, "not_found", "Interview not found")
				return
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// listInterviewsHandler 列出会话
func (s *APIServer) listInterviewsHandler(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := s.opts.Store.List(r.Context(), limit)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	s.writeSuccessResponse(w, sessions)
}

// getInterviewHandler 查询单个会话
func (s *APIServer) getInterviewHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var (
		sess *session.Session
		err  error
	)
	if s.opts.Coordinator != nil {
		sess, err = s.opts.Coordinator.Session(r.Context(), id)
	} else {
		sess, err = s.opts.Store.Get(r.Context(), id)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeErrorResponse(w, http.StatusNotFound, "not_found", "Interview not found")
			return
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	s.writeSuccessResponse(w, sess)
}

func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.opts.Store.Ping(ctx); err != nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	s.writeSuccessResponse(w, map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{"http": s.GetStats()}
	if s.opts.Coordinator != nil {
		stats["coordinator"] = s.opts.Coordinator.Stats()
	}
	if s.opts.Relay != nil {
		stats["relay"] = s.opts.Relay.GetStats()
	}
	s.writeSuccessResponse(w, stats)
}

func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	s.writeJSONResponse(w, statusCode, APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Start 启动服务器，阻塞直到关闭
func (s *APIServer) Start() error {
	log.Printf("Starting HTTP server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *APIServer) Shutdown(ctx context.Context) error {
	log.Printf("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// GetStats 获取服务器统计信息
func (s *APIServer) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avgResponseTime float64
	if len(s.responseTime) > 0 {
		var total time.Duration
		for _, rt := range s.responseTime {
			total += rt
		}
		avgResponseTime = float64(total.Nanoseconds()) / float64(len(s.responseTime)) / 1e6
	}

	return map[string]interface{}{
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
		"total_requests":       s.requestCount,
		"error_count":          s.errorCount,
		"avg_response_time_ms": avgResponseTime,
	}
}
