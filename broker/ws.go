package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

// Server serves the host protocol over WebSocket. Each connection is an independent session with
// its own relay and at most one child, and the child does not outlive the connection.
// Frames use the same byte layout as stdio, carried in binary WebSocket messages.
type Server struct {
	logger *zap.Logger
	log    *zap.SugaredLogger
	cfg    *Config

	httpServer *http.Server
}

func NewServer(cfg *Config, logger *zap.Logger) *Server {
	return &Server{
		logger: logger,
		log:    logger.Named("ws_server").Sugar(),
		cfg:    cfg,
	}
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/session", s.session)
	router.GET("/healthz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	})
	return router
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.log.Infow("listening", "Addr", listener.Addr().String())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := s.httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return s.httpServer.Close()
	})
	return group.Wait()
}

func (s *Server) session(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		OriginPatterns:  s.cfg.AllowedOrigins,
	})
	if err != nil {
		// Accept has already written the error response
		s.log.Debugw("error accepting WebSocket conn", "Origin", r.Header.Get("Origin"), "Error", err)
		return
	}
	// frames are bounded by the relay, not by the WebSocket layer
	wsConn.SetReadLimit(int64(s.cfg.MaxInboundFrame) + 4)

	id := uuid.New().String()
	log := s.logger.With(zap.String("Session", id))
	log.Sugar().Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)

	relay := NewRelay(conn, conn, WithLogger(log), WithConfig(s.cfg))
	err = relay.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Sugar().Warnw("session ended with error", "Error", err)
		wsConn.Close(websocket.StatusInternalError, truncateReason(err.Error()))
		return
	}
	wsConn.Close(websocket.StatusNormalClosure, "")
}

// websocket close reasons can't be above 123 bytes
func truncateReason(reason string) string {
	if len(reason) > 100 {
		return reason[:100]
	}
	return reason
}
