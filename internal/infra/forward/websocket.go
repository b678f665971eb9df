// Package forward publishes distributed events to external consumers.
package forward

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/marketrelay/internal/domain/errs"
	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/observability"
)

const (
	defaultWriteTimeout     = 5 * time.Second
	defaultMaxRetry         = time.Minute
	maxReconnectInterval    = 20 * time.Second
	initialReconnectBackoff = 50 * time.Millisecond
	dialTimeout             = 10 * time.Second

	envelopeType = "resolved_event"
)

// WebsocketConfig configures a Publisher.
type WebsocketConfig struct {
	URL          string
	WriteTimeout time.Duration
	// MaxRetry bounds how long one Forward keeps reconnecting before giving up.
	MaxRetry time.Duration
}

type envelope struct {
	Type   string               `json:"type"`
	Seq    uint64               `json:"seq"`
	SentAt time.Time            `json:"sentAt"`
	Event  schema.ResolvedEvent `json:"event"`
}

// Publisher writes resolved events as JSON text frames to a websocket broker,
// redialing with exponential backoff when the connection drops.
type Publisher struct {
	url          string
	writeTimeout time.Duration
	maxRetry     time.Duration
	logger       observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connMu  sync.Mutex
	conn    *websocket.Conn
	connCtx context.Context

	seq    atomic.Uint64
	sent   atomic.Int64
	failed atomic.Int64
}

// PublisherOption customises a Publisher.
type PublisherOption func(*Publisher)

// WithLogger overrides the publisher logger.
func WithLogger(logger observability.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher validates cfg. The connection is dialed on first use.
func NewPublisher(cfg WebsocketConfig, opts ...PublisherOption) (*Publisher, error) {
	raw := strings.TrimSpace(cfg.URL)
	parsed, err := url.Parse(raw)
	if err != nil || raw == "" {
		return nil, errs.New("forward/websocket", errs.CodeInvalid, errs.WithMessage("invalid broker url"), errs.WithField("url", raw))
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, errs.New("forward/websocket", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unsupported scheme %q", parsed.Scheme)), errs.WithField("url", raw))
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = defaultMaxRetry
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		url:          raw,
		writeTimeout: cfg.WriteTimeout,
		maxRetry:     cfg.MaxRetry,
		logger:       observability.Log(),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Name identifies the publisher as a forwarder.
func (p *Publisher) Name() string { return "websocket" }

// Forward encodes evt and writes it, reconnecting until MaxRetry elapses.
func (p *Publisher) Forward(ctx context.Context, evt schema.ResolvedEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := json.Marshal(envelope{
		Type:   envelopeType,
		Seq:    p.seq.Add(1),
		SentAt: time.Now().UTC(),
		Event:  evt,
	})
	if err != nil {
		return fmt.Errorf("marshal resolved event: %w", err)
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = initialReconnectBackoff
	backoffCfg.MaxInterval = maxReconnectInterval
	deadline := time.Now().Add(p.maxRetry)

	var lastErr error
	for {
		if p.ctx.Err() != nil {
			return errs.New("forward/websocket", errs.CodeUnavailable, errs.WithMessage("publisher closed"))
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("forward context: %w", err)
		}

		lastErr = p.write(ctx, data)
		if lastErr == nil {
			p.sent.Add(1)
			return nil
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		if time.Now().Add(sleep).After(deadline) {
			p.failed.Add(1)
			p.logger.Error("websocket forward gave up",
				observability.F("url", p.url),
				observability.F("id", evt.ID),
				observability.F("error", lastErr))
			return errs.New("forward/websocket", errs.CodeUnavailable,
				errs.WithMessage("broker unreachable"), errs.WithField("id", evt.ID), errs.WithCause(lastErr))
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("forward context: %w", ctx.Err())
		case <-p.ctx.Done():
			return errs.New("forward/websocket", errs.CodeUnavailable, errs.WithMessage("publisher closed"))
		case <-time.After(sleep):
		}
	}
}

func (p *Publisher) write(ctx context.Context, data []byte) error {
	conn, err := p.connection(ctx)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		p.discard(conn, err)
		return fmt.Errorf("write websocket: %w", err)
	}
	return nil
}

// connection returns the live connection, dialing when none is held or the
// peer has closed the previous one.
func (p *Publisher) connection(ctx context.Context) (*websocket.Conn, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != nil && p.connCtx.Err() == nil {
		return p.conn, nil
	}
	if p.conn != nil {
		_ = p.conn.CloseNow()
		p.conn = nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.url, err)
	}
	// The broker never sends data frames; CloseRead keeps control frames flowing.
	p.connCtx = conn.CloseRead(p.ctx)
	p.conn = conn
	p.logger.Info("websocket forwarder connected", observability.F("url", p.url))
	return conn, nil
}

func (p *Publisher) discard(conn *websocket.Conn, cause error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != conn {
		return
	}
	_ = conn.CloseNow()
	p.conn = nil
	if !errors.Is(cause, context.Canceled) {
		p.logger.Info("websocket forwarder connection dropped",
			observability.F("url", p.url),
			observability.F("error", cause))
	}
}

// Counts reports successful and abandoned forwards.
func (p *Publisher) Counts() (sent, failed int64) {
	return p.sent.Load(), p.failed.Load()
}

// Close releases the connection; later Forward calls fail as unavailable.
func (p *Publisher) Close() error {
	p.connMu.Lock()
	conn := p.conn
	p.conn = nil
	p.connMu.Unlock()
	defer p.cancel()
	if conn == nil {
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, "shutdown"); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}
