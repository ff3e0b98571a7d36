package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/config"
	"meshcall/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrPortClosed = errors.New("signaling port closed")

type ClientConfig struct {
	URL          string
	WriteTimeout time.Duration
	Retry        retry.Config
}

func ClientConfigFromSettings(cfg *config.Config) ClientConfig {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.Client.RetryAttempts
	rc.Enabled = cfg.Client.RetryAttempts > 0
	return ClientConfig{
		URL:          cfg.Client.SignalingURL,
		WriteTimeout: cfg.Signal.WriteTimeout,
		Retry:        rc,
	}
}

// Connector dials the relay with the ticket from a join.
type Connector struct {
	config ClientConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger
}

var _ ports.SignalingConnector = (*Connector)(nil)

func NewConnector(cfg ClientConfig, logger *zap.SugaredLogger) *Connector {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	rc := cfg.Retry
	// A refused ticket will not get better.
	rc.Retryable = func(err error) bool { return !errors.Is(err, domain.ErrJoinRejected) }
	cfg.Retry = rc

	return &Connector{
		config: cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

func (c *Connector) Connect(ctx context.Context, join domain.JoinResult) (ports.SignalingPort, error) {
	if join.Ticket == "" {
		return nil, fmt.Errorf("join for %s carries no ticket: %w", join.ParticipantID, domain.ErrJoinRejected)
	}
	target, err := url.Parse(c.config.URL)
	if err != nil {
		return nil, fmt.Errorf("signaling url: %w", err)
	}
	q := target.Query()
	q.Set("ticket", join.Ticket)
	target.RawQuery = q.Encode()

	conn, err := retry.RetryWithResult(ctx, c.config.Retry, func() (*websocket.Conn, error) {
		conn, resp, err := c.dialer.DialContext(ctx, target.String(), nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, fmt.Errorf("relay refused connection (%d): %w", resp.StatusCode, domain.ErrJoinRejected)
			}
			c.logger.Debugw("signaling dial failed", "error", err)
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect signaling: %w", err)
	}

	c.logger.Infow("signaling connected", "room_id", join.RoomID, "participant_id", join.ParticipantID)
	return newClientPort(conn, c.config.WriteTimeout, c.logger.With("participant_id", join.ParticipantID)), nil
}

// clientPort is a SignalingPort over one websocket connection.
type clientPort struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	messages     chan *domain.SignalMessage
	logger       *zap.SugaredLogger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newClientPort(conn *websocket.Conn, writeTimeout time.Duration, logger *zap.SugaredLogger) *clientPort {
	p := &clientPort{
		conn:         conn,
		writeTimeout: writeTimeout,
		messages:     make(chan *domain.SignalMessage, 64),
		logger:       logger,
		closed:       make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *clientPort) readLoop() {
	defer close(p.messages)
	for {
		var msg domain.SignalMessage
		if err := p.conn.ReadJSON(&msg); err != nil {
			select {
			case <-p.closed:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					p.logger.Warnw("signaling connection lost", "error", err)
				}
			}
			return
		}
		select {
		case p.messages <- &msg:
		case <-p.closed:
			return
		}
	}
}

func (p *clientPort) Send(ctx context.Context, msg *domain.SignalMessage) error {
	select {
	case <-p.closed:
		return ErrPortClosed
	default:
	}

	deadline := time.Now().Add(p.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(deadline)
	if err := p.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (p *clientPort) Messages() <-chan *domain.SignalMessage {
	return p.messages
}

func (p *clientPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(p.writeTimeout))
		p.writeMu.Unlock()
		err = p.conn.Close()
	})
	return err
}
