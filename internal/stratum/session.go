package stratum

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/poolcore/pkg/log"
)

// MaxLineBytes caps one Stratum line. mining.submit and its response
// fit in well under 1 KiB; anything larger is a broken or hostile
// client and drops the connection.
const MaxLineBytes = 4096

// Session is one miner connection. String state is guarded by mu;
// share counters are atomic so the submission path never serializes
// on the session lock.
type Session struct {
	id     string
	conn   net.Conn
	logger *log.Logger

	subscribed  bool
	authorized  bool
	username    string
	workerName  string
	extraNonce1 string
	difficulty  float64

	validShares   atomic.Int64
	invalidShares atomic.Int64

	readTimeout  time.Duration
	writeTimeout time.Duration

	outbound chan []byte
	done     chan struct{}

	mu sync.RWMutex
}

// NewSession creates a session for an accepted connection.
func NewSession(id string, conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		logger:       logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		difficulty:   1.0,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, 100),
		done:         make(chan struct{}),
	}
}

// Start runs the session until the connection drops or ctx ends.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.conn.RemoteAddr().String())

	go s.writeLoop(ctx)

	return s.readLoop(ctx, handler)
}

func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, MaxLineBytes), MaxLineBytes)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			s.logger.WithError(err).Error("failed to set read deadline")
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				if errors.Is(err, bufio.ErrTooLong) {
					s.logger.Error("line exceeds maximum length, dropping connection",
						"max_line_bytes", MaxLineBytes)
					return err
				}
				s.logger.WithError(err).Error("scanner error")
				return err
			}
			s.logger.Info("client disconnected")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Error("failed to parse message")
			if sendErr := s.SendError(nil, ErrorParseError, "Parse error"); sendErr != nil {
				s.logger.WithError(sendErr).Error("failed to send parse error")
			}
			continue
		}

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Error("failed to handle message")
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Error("failed to close connection", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.WithError(err).Error("failed to set write deadline")
				return
			}

			data = append(data, '\n')
			if _, err := s.conn.Write(data); err != nil {
				s.logger.WithError(err).Error("failed to write message")
				return
			}

			s.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
		}
	}
}

// SendMessage queues a message for the write loop.
func (s *Session) SendMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("outbound channel full")
	}
}

// SendResponse sends a result for a request id.
func (s *Session) SendResponse(id any, result any) error {
	return s.SendMessage(NewResponse(id, result))
}

// SendError sends an error response for a request id.
func (s *Session) SendError(id any, code int, message string) error {
	return s.SendMessage(NewErrorResponse(id, code, message))
}

// SendNotification sends a server-initiated notification.
func (s *Session) SendNotification(method string, params []any) error {
	return s.SendMessage(NewNotification(method, params))
}

// Close shuts the session down. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
	default:
		close(s.done)
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr().String())
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the client's remote address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// IsSubscribed reports whether mining.subscribe completed.
func (s *Session) IsSubscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed
}

// SetSubscribed records the subscription state.
func (s *Session) SetSubscribed(subscribed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = subscribed
}

// IsAuthorized reports whether mining.authorize completed.
func (s *Session) IsAuthorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized
}

// SetAuthorized records the authorization state.
func (s *Session) SetAuthorized(authorized bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = authorized
}

// Username returns the miner's payout address.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// SetUsername records the miner's payout address.
func (s *Session) SetUsername(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
}

// WorkerName returns the worker name.
func (s *Session) WorkerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerName
}

// SetWorkerName records the worker name.
func (s *Session) SetWorkerName(workerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workerName = workerName
}

// Identity returns the miner address and worker name together.
func (s *Session) Identity() (address, worker string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username, s.workerName
}

// ExtraNonce1 returns the session's ExtraNonce1.
func (s *Session) ExtraNonce1() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extraNonce1
}

// SetExtraNonce1 records the session's ExtraNonce1.
func (s *Session) SetExtraNonce1(extraNonce1 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraNonce1 = extraNonce1
}

// Difficulty returns the session's share difficulty target.
func (s *Session) Difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// SetDifficulty records the session's share difficulty target.
func (s *Session) SetDifficulty(difficulty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.difficulty = difficulty
}

// IncrementValid counts an accepted share.
func (s *Session) IncrementValid() {
	s.validShares.Add(1)
}

// IncrementInvalid counts a rejected share.
func (s *Session) IncrementInvalid() {
	s.invalidShares.Add(1)
}

// ValidShares returns the accepted share count.
func (s *Session) ValidShares() int64 {
	return s.validShares.Load()
}

// InvalidShares returns the rejected share count.
func (s *Session) InvalidShares() int64 {
	return s.invalidShares.Load()
}

// MessageHandler dispatches parsed Stratum messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}
