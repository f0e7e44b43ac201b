package minerapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bardlex/qpow/internal/mining"
	"github.com/bardlex/qpow/pkg/errors"
	"github.com/bardlex/qpow/pkg/log"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"
)

// maxBodyBytes bounds a /mine payload. Headers are small; this leaves room
// for hex expansion and the JSON envelope.
const maxBodyBytes = 1 << 20

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	RateLimit float64 // requests per second per client; 0 disables limiting
	RateBurst int
}

// Server exposes a mining.Service over HTTP.
type Server struct {
	service *mining.Service
	logger  *log.Logger
	limits  *clientLimits
	router  *httprouter.Router
}

// NewServer wires the routes for svc.
func NewServer(svc *mining.Service, cfg ServerConfig, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Server{
		service: svc,
		logger:  logger.WithComponent("miner_api"),
		router:  httprouter.New(),
	}
	if cfg.RateLimit > 0 {
		s.limits = newClientLimits(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}

	s.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "unrecognized call")
	})
	s.router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	s.router.RedirectTrailingSlash = false

	s.router.POST("/mine", s.handleMine)
	s.router.GET("/result/:job_id", s.handleResult)
	s.router.POST("/cancel/:job_id", s.handleCancel)
	s.router.GET("/healthz", s.handleHealth)
	return s
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.withLogging(s.withRateLimit(s.router))
}

func (s *Server) handleMine(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var body MineRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}

	req, err := body.ToRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.service.Submit(req)
	if err != nil {
		logger := s.logger.WithContext(r.Context())
		switch {
		case errors.IsType(err, errors.ErrorTypeDuplicateJob):
			logger.LogError("duplicate job id", err, "job_id", req.JobID)
			writeError(w, http.StatusConflict, "job_id already in use")
		case errors.IsType(err, errors.ErrorTypeValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			logger.LogError("submit failed", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, MineResponse{JobID: id, Status: StatusAccepted})
}

func (s *Server) handleResult(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	writeJSON(w, http.StatusOK, resultFromStatus(s.service.Poll(ps.ByName("job_id"))))
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	st := s.service.Cancel(ps.ByName("job_id"))
	writeJSON(w, http.StatusOK, CancelResponse{JobID: st.JobID, Status: string(st.State)})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	pool := s.service.Pool()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "ok",
		Workers:        pool.Workers(),
		ActiveSearches: pool.ActiveSearches(),
		ActiveJobs:     s.service.ActiveJobs(),
		TotalHashes:    pool.TotalHashes(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Status: StatusError, Message: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), log.RequestIDKey, reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		s.logger.WithContext(ctx).LogHTTPRequest(r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limits == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limits.allow(clientIP(r), time.Now()) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientLimits keeps one token bucket per remote address and forgets idle
// clients.
type clientLimits struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	clients   map[string]*clientLimit
	ttl       time.Duration
	lastPrune time.Time
}

type clientLimit struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newClientLimits(limit rate.Limit, burst int) *clientLimits {
	return &clientLimits{
		limit:     limit,
		burst:     burst,
		clients:   make(map[string]*clientLimit),
		ttl:       10 * time.Minute,
		lastPrune: time.Now(),
	}
}

func (l *clientLimits) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > 2*time.Minute {
		l.lastPrune = now
		for k, c := range l.clients {
			if now.Sub(c.seen) > l.ttl {
				delete(l.clients, k)
			}
		}
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &clientLimit{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.seen = now
	return c.limiter.AllowN(now, 1)
}

// clientIP does not trust X-Forwarded-For.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
