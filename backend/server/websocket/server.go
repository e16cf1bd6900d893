package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/chathub/backend/model"
	"github.com/adwski/chathub/backend/server"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultChatSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 4096
	defaultWebsocketWriteBufferSize    = 4096
	defaultWebSocketMaxMessageSize     = 4096
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultTXQueueSize    = 256
	defaultRateLimitBurst = 10
	defaultRateLimitRate  = 5
)

type (
	ChatService interface {
		CreateChatSession(ctx context.Context, connID string, wire model.Wire) error
		DeleteChatSession(ctx context.Context, connID string) error
	}

	RateLimit struct {
		Burst     int
		PerSecond float64
	}

	Config struct {
		Logger         *zerolog.Logger
		ChatService    ChatService
		ListenAddr     string
		AllowedOrigins []string
		MaxMessageSize int64
		RateLimit      RateLimit
	}

	Server struct {
		svc ChatService
		ws  *websocket.Upgrader
		*http.Server

		maxMessageSize int64
		rateLimit      RateLimit

		// sessions outlive requests, so they hang off server context
		sessCtx    context.Context
		sessCancel context.CancelFunc
		sessWG     *sync.WaitGroup

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	oc := newOriginChecker(cfg.AllowedOrigins)
	srv := &Server{
		logger:         cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:            cfg.ChatService,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimit:      cfg.RateLimit,
		sessWG:         &sync.WaitGroup{},
	}
	if srv.maxMessageSize <= 0 {
		srv.maxMessageSize = defaultWebSocketMaxMessageSize
	}
	if srv.rateLimit.Burst <= 0 {
		srv.rateLimit.Burst = defaultRateLimitBurst
	}
	if srv.rateLimit.PerSecond <= 0 {
		srv.rateLimit.PerSecond = defaultRateLimitRate
	}
	srv.sessCtx, srv.sessCancel = context.WithCancel(context.Background())
	srv.ws = &websocket.Upgrader{
		HandshakeTimeout: defaultWebSocketHandshakeTimeout,
		ReadBufferSize:   defaultWebsocketReadBufferSize,
		WriteBufferSize:  defaultWebsocketWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			if oc.check(r) {
				return true
			}
			srv.logger.Warn().Str("origin", r.Header.Get("Origin")).Msg("websocket origin rejected")
			return false
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.chat)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	server.Run(ctx, srv.Server, &srv.logger, wg, errc, srv.CloseSessions)
}

// CloseSessions terminates hijacked connections, which http.Server.Shutdown does not track.
func (srv *Server) CloseSessions() {
	srv.sessCancel()
	srv.sessWG.Wait()
}

func (srv *Server) chat(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	wire := model.NewWire(defaultTXQueueSize)

	ctx, cancel := context.WithCancel(srv.sessCtx) // long-living wire context
	// a reader that cannot keep up is dropped; teardown goes through destroySession
	wire.Evict = cancel

	err = srv.svc.CreateChatSession(ctx, connID, wire)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to create chat session")
		cancel()
		webSocketCloser(conn, &srv.logger)
		return
	}
	srv.logger.Debug().
		Str("connID", connID).
		Str("remote", r.RemoteAddr).
		Msg("chat session created")

	srv.sessWG.Add(1)
	go func() {
		defer srv.sessWG.Done()
		srv.handleWSConn(ctx, cancel, conn, connID, wire)
	}()
}

func (srv *Server) destroySession(connID string, logger *zerolog.Logger) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(defaultChatSessionCloseTimeout))
	defer cancel()
	err := srv.svc.DeleteChatSession(ctx, connID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to delete chat session")
		return
	}
	logger.Debug().Msg("chat session ended")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	connID string,
	wire model.Wire,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("connID", connID).
		Logger()

	limiter := rate.NewLimiter(rate.Limit(srv.rateLimit.PerSecond), srv.rateLimit.Burst)

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, srv.maxMessageSize, limiter, wire.RX, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()
	go func() {
		// unblock pending read once session is over
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.destroySession(connID, &logger)
}

// webSocketSender writes outbound events as text frames.
// Events already queued behind the current one are flushed
// under the same write deadline.
func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Outbound,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.PingMessage, []byte{}); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case msg, ok := <-tx:
			if !ok {
				break SendLoop
			}
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = writeFrame(conn, &msg); wsErr != nil {
				logger.Error().Err(wsErr).Str("type", msg.Type).Msg("failed to write outgoing message")
				break SendLoop
			}
			pending := len(tx)
			for ; pending > 0; pending-- {
				if msg, ok = <-tx; !ok {
					break SendLoop
				}
				if wsErr = writeFrame(conn, &msg); wsErr != nil {
					logger.Error().Err(wsErr).Str("type", msg.Type).Msg("failed to write outgoing message")
					break SendLoop
				}
			}
			logger.Trace().Int("queued", len(tx)).Msg("outbound queue flushed")
		}
	}
}

func writeFrame(conn *websocket.Conn, msg *model.Outbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return fmt.Errorf("next writer: %w", err)
	}
	if _, err = w.Write(b); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	maxMessageSize int64,
	limiter *rate.Limiter,
	rx chan<- model.Inbound,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(maxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) || ctx.Err() != nil {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			// any client frame proves liveness
			if wsErr = readDeadLineFunc(defaultPongWait); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket read deadline")
				break RecvLoop
			}

			if !limiter.Allow() {
				logger.Warn().Msg("inbound rate exceeded, message dropped")
				continue
			}

			var in model.Inbound
			if wsErr = json.Unmarshal(msg, &in); wsErr != nil {
				logger.Warn().Err(wsErr).Msg("failed to unmarshall incoming message")
				continue
			}
			select {
			case rx <- in:
			case <-ctx.Done():
				break RecvLoop
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to write close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
