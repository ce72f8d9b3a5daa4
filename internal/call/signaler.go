package call

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pairline/relay/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	readWait       = 70 * time.Second
	maxMessageSize = 1 << 20
)

// WSSignaler is a registered websocket connection to the relay.
type WSSignaler struct {
	conn      *websocket.Conn
	userID    string
	log       *zap.Logger
	wmu       sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the relay at url and registers userID. token may be empty when the
// relay does not require registration tokens.
func Dial(ctx context.Context, url, userID, token string, logger *zap.Logger) (*WSSignaler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: writeWait,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	s := &WSSignaler{conn: conn, userID: userID, log: logger.With(zap.String("user", userID))}
	if err := s.register(ctx, token); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *WSSignaler) register(ctx context.Context, token string) error {
	if err := s.Send(ctx, &protocol.Register{UserID: s.userID, Token: token}); err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await registration: %w", err)
		}
		_, msg, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case *protocol.Registered:
			s.log.Info("registered with relay")
			return nil
		case *protocol.CallError:
			return &RemoteError{Code: m.Code, Message: m.Error}
		}
	}
}

// Send writes one message. Writes are serialized; gorilla allows a single writer.
func (s *WSSignaler) Send(ctx context.Context, msg protocol.Message) error {
	raw, err := protocol.Encode("", msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrSignalingClosed, err)
	}
	return nil
}

// Run reads messages and passes them to handle until ctx ends or the connection drops.
func (s *WSSignaler) Run(ctx context.Context, handle func(protocol.Message)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPingHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrSignalingClosed, err)
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))

		_, msg, err := protocol.Decode(raw)
		if err != nil {
			s.log.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}
		handle(msg)
	}
}

func (s *WSSignaler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
