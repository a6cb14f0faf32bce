package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bardlex/poolcore/internal/config"
	"github.com/bardlex/poolcore/internal/database"
	"github.com/bardlex/poolcore/internal/jobs"
	"github.com/bardlex/poolcore/internal/messaging"
	"github.com/bardlex/poolcore/internal/pipeline"
	"github.com/bardlex/poolcore/internal/stratum"
	"github.com/bardlex/poolcore/pkg/log"
)

// StratumServer accepts miner connections and owns the shared job
// state they mine against.
type StratumServer struct {
	cfg         *config.Config
	logger      *log.Logger
	listener    net.Listener
	sessions    map[string]*stratum.Session
	mu          sync.RWMutex
	wg          sync.WaitGroup
	pipeline    *pipeline.Pipeline
	jobStore    *jobs.Store
	builder     *jobs.Builder
	publisher   *messaging.Publisher
	dbManager   *database.Manager
	kafkaClient *messaging.KafkaClient
}

// NewStratumServer creates the server around an assembled pipeline.
func NewStratumServer(cfg *config.Config, logger *log.Logger, p *pipeline.Pipeline, jobStore *jobs.Store, builder *jobs.Builder, publisher *messaging.Publisher, dbManager *database.Manager, kafkaClient *messaging.KafkaClient) *StratumServer {
	return &StratumServer{
		cfg:         cfg,
		logger:      logger.WithComponent("server"),
		sessions:    make(map[string]*stratum.Session),
		pipeline:    p,
		jobStore:    jobStore,
		builder:     builder,
		publisher:   publisher,
		dbManager:   dbManager,
		kafkaClient: kafkaClient,
	}
}

// Start listens for miners and runs the job refresh loop until ctx
// ends.
func (s *StratumServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddr, s.cfg.ListenPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.logger.Info("server listening", "address", addr)

	s.wg.Add(1)
	go s.runJobLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				s.logger.WithError(err).Error("failed to accept connection")
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection runs one miner session to completion.
func (s *StratumServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.Error("failed to close connection", "error", err)
		}
	}()

	sessionID := fmt.Sprintf("session_%d", time.Now().UnixNano())

	session := stratum.NewSession(
		sessionID,
		conn,
		s.logger,
		s.cfg.ReadTimeout,
		s.cfg.WriteTimeout,
	)

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
	}()

	handler := NewMessageHandler(s.cfg, s.logger, s)

	if err := session.Start(ctx, handler); err != nil {
		if err != context.Canceled {
			s.logger.WithError(err).Error("session failed")
		}
	}
}

// Shutdown closes the listener, all sessions, and the shared clients,
// then waits for in-flight connections up to the ctx deadline.
func (s *StratumServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Error("failed to close listener", "error", err)
		}
	}

	s.mu.RLock()
	for _, session := range s.sessions {
		session.Close()
	}
	s.mu.RUnlock()

	if s.kafkaClient != nil {
		if err := s.kafkaClient.Close(); err != nil {
			s.logger.WithError(err).Error("failed to close Kafka client")
		}
	}

	if s.dbManager != nil {
		if err := s.dbManager.Close(); err != nil {
			s.logger.WithError(err).Error("failed to close database manager")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

// MessageHandler implements the stratum.MessageHandler interface
type MessageHandler struct {
	cfg    *config.Config
	logger *log.Logger
	server *StratumServer
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(cfg *config.Config, logger *log.Logger, server *StratumServer) *MessageHandler {
	return &MessageHandler{
		cfg:    cfg,
		logger: logger.WithComponent("handler"),
		server: server,
	}
}

// HandleMessage handles incoming Stratum messages
func (h *MessageHandler) HandleMessage(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	if msg.IsRequest() {
		return h.handleRequest(ctx, session, msg)
	}

	// Ignore responses and notifications from clients
	h.logger.Debug("ignoring non-request message", "method", msg.Method)
	return nil
}

func (h *MessageHandler) handleRequest(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	switch msg.Method {
	case "mining.subscribe":
		return h.handleSubscribe(ctx, session, msg)
	case "mining.authorize":
		return h.handleAuthorize(ctx, session, msg)
	case "mining.submit":
		return h.handleSubmit(ctx, session, msg)
	default:
		h.logger.Warn("unknown method", "method", msg.Method)
		return session.SendError(msg.ID, stratum.ErrorMethodNotFound, "Method not found")
	}
}

// handleSubscribe handles mining.subscribe requests
func (h *MessageHandler) handleSubscribe(_ context.Context, session *stratum.Session, msg *stratum.Message) error {
	req, err := stratum.ParseSubscribeRequest(msg.Params)
	if err != nil {
		h.logger.WithError(err).Error("invalid subscribe request")
		return session.SendError(msg.ID, stratum.ErrorInvalidParams, "Invalid parameters")
	}

	h.logger.Info("miner subscribed",
		"user_agent", req.UserAgent,
		"session_id", req.SessionID,
	)

	session.SetExtraNonce1(generateExtraNonce1())
	session.SetSubscribed(true)

	response := stratum.SubscribeResponse{
		Subscriptions: [][]string{
			{"mining.notify", session.ID()},
		},
		ExtraNonce1:     session.ExtraNonce1(),
		ExtraNonce2Size: jobs.ExtraNonce2Size,
	}

	return session.SendResponse(msg.ID, []any{
		response.Subscriptions,
		response.ExtraNonce1,
		response.ExtraNonce2Size,
	})
}

// handleAuthorize handles mining.authorize requests
func (h *MessageHandler) handleAuthorize(_ context.Context, session *stratum.Session, msg *stratum.Message) error {
	if !session.IsSubscribed() {
		return session.SendError(msg.ID, stratum.ErrorNotSubscribed, "Not subscribed")
	}

	req, err := stratum.ParseAuthorizeRequest(msg.Params)
	if err != nil {
		h.logger.WithError(err).Error("invalid authorize request")
		return session.SendError(msg.ID, stratum.ErrorInvalidParams, "Invalid parameters")
	}

	minerAddr, workerName := splitUsername(req.Username)
	if len(minerAddr) < 26 {
		return session.SendError(msg.ID, stratum.ErrorUnauthorized, "Invalid address")
	}

	session.SetUsername(minerAddr)
	session.SetWorkerName(workerName)
	session.SetAuthorized(true)

	h.logger.Info("miner authorized",
		"miner_address", minerAddr,
		"worker_name", workerName,
	)

	if err := session.SendNotification("mining.set_difficulty", []any{h.cfg.MinDifficulty}); err != nil {
		h.logger.WithError(err).Error("failed to send difficulty")
	}
	session.SetDifficulty(h.cfg.MinDifficulty)

	if err := session.SendResponse(msg.ID, true); err != nil {
		return err
	}

	// Hand the miner the current job so it can start immediately
	// instead of idling until the next broadcast.
	if job := h.server.jobStore.Current(); job != nil {
		if err := session.SendNotification("mining.notify", job.NotifyParams()); err != nil {
			h.logger.WithError(err).Error("failed to send current job")
		}
	}

	return nil
}

// handleSubmit handles mining.submit requests
func (h *MessageHandler) handleSubmit(ctx context.Context, session *stratum.Session, msg *stratum.Message) error {
	if !session.IsAuthorized() {
		return session.SendError(msg.ID, stratum.ErrorUnauthorized, "Not authorized")
	}

	req, err := stratum.ParseSubmitRequest(msg.Params)
	if err != nil {
		h.logger.WithError(err).Error("invalid submit request")
		return session.SendError(msg.ID, stratum.ErrorInvalidParams, "Invalid parameters")
	}

	result, err := h.server.pipeline.Submit(ctx, session, req.JobID, req.ExtraNonce2, req.NTime, req.Nonce)
	if err != nil {
		return session.SendError(msg.ID, stratum.ErrorOther, "internal error")
	}

	if !result.Accepted() {
		h.logger.LogShareSubmission(
			session.Username(),
			session.WorkerName(),
			req.JobID,
			session.Difficulty(),
			"rejected",
		)
		return session.SendError(msg.ID, result.Rejection.Code, result.Rejection.Message)
	}

	h.logger.LogShareSubmission(
		session.Username(),
		session.WorkerName(),
		req.JobID,
		session.Difficulty(),
		"accepted",
	)

	return session.SendResponse(msg.ID, true)
}

// generateExtraNonce1 produces a random 4-byte session nonce.
func generateExtraNonce1() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%08x", time.Now().Unix())
	}
	return hex.EncodeToString(buf)
}

// splitUsername separates "address.worker" credentials. A missing
// worker suffix gets the default worker name.
func splitUsername(username string) (address, worker string) {
	parts := strings.SplitN(username, ".", 2)
	if len(parts) == 2 && parts[1] != "" {
		return parts[0], parts[1]
	}
	return parts[0], "default"
}
