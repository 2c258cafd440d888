package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported
	ErrInvalidMethod = "Invalid method"
)

// HTTPServer wraps an Agent and exposes the client and admin API over HTTP.
type HTTPServer struct {
	agent      *Agent
	router     *mux.Router
	listener   net.Listener
	listenerCh chan struct{}
	logger     hclog.Logger
	Addr       string
}

// NewHTTPServer starts the client/admin API listener.
func NewHTTPServer(agent *Agent, addr string) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener: %w", err)
	}

	srv := &HTTPServer{
		agent:      agent,
		router:     mux.NewRouter(),
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.logger.Named("http"),
		Addr:       ln.Addr().String(),
	}
	srv.registerHandlers()

	go func() {
		defer close(srv.listenerCh)
		http.Serve(ln, srv.router)
	}()

	srv.logger.Info("api listening", "address", srv.Addr)
	return srv, nil
}

func (s *HTTPServer) registerHandlers() {
	r := s.router

	r.HandleFunc("/jobs", s.wrap(s.JobSubmitRequest)).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.wrap(s.JobListRequest)).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{job_id}", s.wrap(s.JobSpecificRequest)).Methods(http.MethodGet)

	r.HandleFunc("/workers", s.wrap(s.WorkerListRequest)).Methods(http.MethodGet)
	r.HandleFunc("/workers/register", s.wrap(s.WorkerRegisterRequest)).Methods(http.MethodPost)
	r.HandleFunc("/workers/heartbeat", s.wrap(s.WorkerHeartbeatBodyRequest)).Methods(http.MethodPost)
	r.HandleFunc("/workers/{worker_id}/heartbeat", s.wrap(s.WorkerHeartbeatRequest)).Methods(http.MethodPost)

	r.HandleFunc("/credits/{user_id}", s.wrap(s.CreditBalanceRequest)).Methods(http.MethodGet)

	r.HandleFunc("/health", s.wrap(s.HealthRequest)).Methods(http.MethodGet)
	r.HandleFunc("/status", s.wrap(s.StatusRequest)).Methods(http.MethodGet)

	r.HandleFunc("/admin/overview", s.wrap(s.AdminOverviewRequest)).Methods(http.MethodGet)
	r.HandleFunc("/admin/workers/{worker_id}/disconnect", s.wrap(s.AdminDisconnectRequest)).Methods(http.MethodPost)
	r.HandleFunc("/admin/workers/{worker_id}/ban", s.wrap(s.AdminBanRequest)).Methods(http.MethodPost)
	r.HandleFunc("/admin/workers/{worker_id}/suspend", s.wrap(s.AdminSuspendRequest)).Methods(http.MethodPost)
	r.HandleFunc("/admin/workers/{worker_id}/unsuspend", s.wrap(s.AdminUnsuspendRequest)).Methods(http.MethodPost)
	r.HandleFunc("/admin/broadcast", s.wrap(s.AdminBroadcastRequest)).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		writeError(resp, 404, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		writeError(resp, 405, ErrInvalidMethod)
	})
}

// Shutdown stops the listener and waits for the serve loop to exit.
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down http server")
		s.listener.Close()
		<-s.listenerCh
	}
}

// HTTPCodedError is used to provide the HTTP error code
type HTTPCodedError interface {
	error
	Code() int
}

func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string {
	return e.s
}

func (e *codedError) Code() int {
	return e.code
}

// errorCode maps domain errors onto the response taxonomy: validation 400,
// payment 402, missing 404, capacity 503, anything else 500.
func errorCode(err error) int {
	var coded HTTPCodedError
	switch {
	case errors.As(err, &coded):
		return coded.Code()
	case structs.IsValidation(err):
		return 400
	case errors.Is(err, structs.ErrInsufficientCredits):
		return 402
	case errors.Is(err, structs.ErrJobNotFound), errors.Is(err, structs.ErrWorkerNotFound):
		return 404
	case errors.Is(err, structs.ErrQueueFull):
		return 503
	default:
		return 500
	}
}

// wrap is used to wrap handlers to make them more convenient
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL,
				"duration", time.Since(start))
		}()

		obj, err := handler(resp, req)
		if err != nil {
			code := errorCode(err)
			if code >= 500 {
				s.logger.Error("request failed", "method", req.Method, "path", reqURL, "error", err)
			} else {
				s.logger.Debug("request rejected", "method", req.Method, "path", reqURL,
					"code", code, "error", err)
			}
			writeError(resp, code, err.Error())
			return
		}

		if obj != nil {
			buf, err := json.Marshal(obj)
			if err != nil {
				s.logger.Error("failed to encode response", "path", reqURL, "error", err)
				writeError(resp, 500, "failed to encode response")
				return
			}
			resp.Header().Set("Content-Type", "application/json")
			resp.Write(buf)
		}
	}
}

// writeError emits the JSON error envelope: {"error": ..., "code": ...}.
func writeError(resp http.ResponseWriter, code int, msg string) {
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(code)
	out, _ := json.Marshal(map[string]interface{}{
		"error":     msg,
		"code":      code,
		"timestamp": epochNow(),
	})
	resp.Write(out)
}

// decodeBody is used to decode a JSON request body
func decodeBody(req *http.Request, out interface{}) error {
	dec := json.NewDecoder(req.Body)
	return dec.Decode(&out)
}

func epochNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
