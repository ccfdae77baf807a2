// Package transport connects front-ends to the kernel over websockets. Every
// connection can send requests; they are handled one at a time in arrival order.
// Replies go back to the requesting connection, iopub messages to all of them.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"kernelbridge/internal/auth"
	"kernelbridge/internal/iopub"
	"kernelbridge/internal/kernel"
)

const (
	KernelPath = "/api/kernel"
	InfoPath   = "/api/kernel/info"

	clientBuffer    = 256
	shutdownTimeout = 5 * time.Second
)

// Options configures a Server
type Options struct {
	Kernel *kernel.Kernel
	Hub    *Hub
	// Auth checks connection tokens. Nil accepts every connection.
	Auth *auth.Auth
}

type inbound struct {
	clientID string
	req      iopub.Request
}

type Server struct {
	kernel   *kernel.Kernel
	hub      *Hub
	auth     *auth.Auth
	upgrader websocket.Upgrader

	requests chan inbound
	stop     chan struct{}
	stopOnce sync.Once
}

func New(opts Options) *Server {
	return &Server{
		kernel: opts.Kernel,
		hub:    opts.Hub,
		auth:   opts.Auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from the notebook origin; the token is the access check
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		requests: make(chan inbound),
		stop:     make(chan struct{}),
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+KernelPath, s.authenticated(http.HandlerFunc(s.handleKernel)))
	mux.Handle("GET "+InfoPath, s.authenticated(http.HandlerFunc(s.handleInfo)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	return loggingMiddleware(mux)
}

func (s *Server) authenticated(next http.Handler) http.Handler {
	if s.auth == nil {
		return next
	}
	return s.auth.Middleware(next)
}

// Stopped is closed once Run has returned
func (s *Server) Stopped() <-chan struct{} {
	return s.stop
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.kernel.KernelInfo()); err != nil {
		slog.Error("Failed to write kernel info", "error", err)
	}
}

func (s *Server) handleKernel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade to WebSocket", "error", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("Failed to close WebSocket connection", "error", err)
		}
	}()

	client := &Client{
		ID:   uuid.NewString(),
		Send: make(chan iopub.Message, clientBuffer),
		Done: make(chan struct{}),
	}
	s.hub.Register(client)
	defer s.hub.Unregister(client.ID)
	defer close(client.Done)

	go func() {
		for {
			select {
			case msg := <-client.Send:
				if err := conn.WriteJSON(msg); err != nil {
					slog.Error("Failed to write WebSocket message", "clientID", client.ID, "error", err)
					return
				}
			case <-client.Done:
				return
			}
		}
	}()

	for {
		var req iopub.Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("WebSocket read error", "clientID", client.ID, "error", err)
			}
			return
		}
		select {
		case s.requests <- inbound{clientID: client.ID, req: req}:
		case <-s.stop:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// Run handles requests until ctx is done or a shutdown request was answered. The
// context is passed on to evaluations.
func (s *Server) Run(ctx context.Context) error {
	defer s.stopOnce.Do(func() { close(s.stop) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case in := <-s.requests:
			s.handle(ctx, in)
		}
	}
}

func (s *Server) handle(ctx context.Context, in inbound) {
	pub := s.kernel.Publisher()
	parent := in.req.Header

	pub.Publish(parent, iopub.MsgStatus, iopub.Status{ExecutionState: iopub.StateBusy})
	content, shutdown := s.dispatch(ctx, in.req)
	s.hub.SendTo(in.clientID, pub.Reply(parent, content))
	pub.Publish(parent, iopub.MsgStatus, iopub.Status{ExecutionState: iopub.StateIdle})

	if shutdown {
		slog.Info("Shutdown requested", "clientID", in.clientID)
		s.stopOnce.Do(func() { close(s.stop) })
	}
}

type errorReply struct {
	Status string `json:"status"`
	EName  string `json:"ename"`
	EValue string `json:"evalue"`
}

func (s *Server) dispatch(ctx context.Context, req iopub.Request) (content any, shutdown bool) {
	msgType := req.Header.MsgType
	switch msgType {
	case iopub.MsgExecuteRequest:
		var execute kernel.ExecuteRequest
		if err := decodeContent(req, &execute); err != nil {
			return badRequest(err), false
		}
		reply, err := s.kernel.Execute(ctx, req.Header, execute)
		if err != nil {
			slog.Error("Execution aborted", "msgID", req.Header.MsgID, "error", err)
		}
		return reply, false

	case iopub.MsgCompleteRequest:
		var complete kernel.CompleteRequest
		if err := decodeContent(req, &complete); err != nil {
			return badRequest(err), false
		}
		return s.kernel.Complete(complete), false

	case iopub.MsgKernelInfoRequest:
		return s.kernel.KernelInfo(), false

	case iopub.MsgShutdownRequest:
		var shutdownReq kernel.ShutdownRequest
		if err := decodeContent(req, &shutdownReq); err != nil {
			return badRequest(err), false
		}
		return kernel.ShutdownReply{Status: kernel.StatusOK, Restart: shutdownReq.Restart}, true
	}

	slog.Warn("Unknown request type", "msgType", msgType)
	return errorReply{Status: kernel.StatusError, EName: "UnknownMessageType", EValue: msgType}, false
}

func decodeContent(req iopub.Request, v any) error {
	if len(req.Content) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Content, v); err != nil {
		return fmt.Errorf("invalid %s content: %w", req.Header.MsgType, err)
	}
	return nil
}

func badRequest(err error) errorReply {
	return errorReply{Status: kernel.StatusError, EName: "BadRequest", EValue: err.Error()}
}

// Serve runs the request loop and the HTTP server on ln until ctx is done or a
// shutdown request was answered
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("Listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loggingMiddleware logs each HTTP request
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
