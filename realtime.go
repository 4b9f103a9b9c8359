package convsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push transports.
type RealtimeConfig struct {
	Token string
	// HeartbeatInterval is the WebSocket ping period.
	HeartbeatInterval time.Duration
	// StaleTimeout closes an SSE stream that has sent nothing, not even a
	// heartbeat comment, for this long.
	StaleTimeout time.Duration
	HTTPClient   *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

func realtimeURL(baseURL, path string, filter Filter, token string) string {
	params := url.Values{}
	params.Set("channel", string(filter.Channel))
	if filter.ConversationID != "" {
		params.Set("conversationId", filter.ConversationID)
	}
	if token != "" {
		params.Set("token", token)
	}
	return strings.TrimRight(baseURL, "/") + path + "?" + params.Encode()
}

func accessDenied(status int, reason string) *APIError {
	return &APIError{Status: status, Code: "ACCESS_DENIED", Message: reason}
}

// ============================================================================
// Subscription
// ============================================================================

// subscription is the Subscription shared by both transports.
type subscription struct {
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	closed  bool
	cancel  context.CancelFunc
	closeFn func() error
}

func newSubscription(cancel context.CancelFunc, closeFn func() error) *subscription {
	return &subscription{done: make(chan struct{}), cancel: cancel, closeFn: closeFn}
}

func (s *subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		if !s.closed {
			s.err = err
		}
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.err = nil
	s.mu.Unlock()

	s.cancel()
	err := s.closeFn()
	s.finish(nil)
	return err
}

// decodeEnvelope parses one push frame. Frames that are not JSON are passed
// on with an empty type so the dispatcher can count them as malformed.
func decodeEnvelope(channel Channel, data []byte) ChangeEnvelope {
	var env ChangeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ChangeEnvelope{Channel: channel}
	}
	if env.Channel == "" {
		env.Channel = channel
	}
	return env
}

// ============================================================================
// WSSubscriber
// ============================================================================

// WSSubscriber opens one WebSocket per subscription.
type WSSubscriber struct {
	baseURL string
	config  RealtimeConfig
}

// NewWSSubscriber creates a WebSocket transport for the backend at baseURL
// (http or https; the scheme is switched to ws or wss).
func NewWSSubscriber(baseURL string, config *RealtimeConfig) *WSSubscriber {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &WSSubscriber{baseURL: baseURL, config: cfg}
}

var _ Subscriber = (*WSSubscriber)(nil)

// Subscribe dials the channel and reads frames until the connection drops
// or Unsubscribe is called.
func (ws *WSSubscriber) Subscribe(ctx context.Context, filter Filter, onEvent func(ChangeEnvelope)) (Subscription, error) {
	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = realtimeURL(wsURL, "/realtime/ws", filter, ws.config.Token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized) {
			return nil, accessDenied(resp.StatusCode, "websocket dial rejected")
		}
		return nil, fmt.Errorf("%w: websocket dial: %w", ErrNetwork, err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(cancel, func() error {
		return conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	})

	go ws.readLoop(connCtx, conn, filter.Channel, sub, onEvent)
	go ws.heartbeatLoop(connCtx, conn)
	return sub, nil
}

func (ws *WSSubscriber) readLoop(ctx context.Context, conn *websocket.Conn, channel Channel, sub *subscription, onEvent func(ChangeEnvelope)) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				err = accessDenied(http.StatusForbidden, "closed by server: policy violation")
			} else {
				err = fmt.Errorf("%w: websocket read: %w", ErrNetwork, err)
			}
			sub.finish(err)
			return
		}
		onEvent(decodeEnvelope(channel, data))
	}
}

func (ws *WSSubscriber) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, ws.config.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					// Heartbeat failed, force close.
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// ============================================================================
// SSESubscriber
// ============================================================================

// SSESubscriber opens one server-sent event stream per subscription.
type SSESubscriber struct {
	baseURL string
	config  RealtimeConfig
}

// NewSSESubscriber creates an SSE transport for the backend at baseURL.
func NewSSESubscriber(baseURL string, config *RealtimeConfig) *SSESubscriber {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &SSESubscriber{baseURL: baseURL, config: cfg}
}

var _ Subscriber = (*SSESubscriber)(nil)

// Subscribe opens the stream and reads "data: " lines until it ends, goes
// stale or Unsubscribe is called.
func (sse *SSESubscriber) Subscribe(ctx context.Context, filter Filter, onEvent func(ChangeEnvelope)) (Subscription, error) {
	connCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(connCtx, "GET", realtimeURL(sse.baseURL, "/realtime/sse", filter, sse.config.Token), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if sse.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sse.config.Token)
	}

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: SSE connect: %w", ErrNetwork, err)
	}
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		cancel()
		return nil, accessDenied(resp.StatusCode, "SSE subscription rejected")
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		cancel()
		return nil, &APIError{Status: resp.StatusCode, Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: "SSE connect failed"}
	}

	sub := newSubscription(cancel, resp.Body.Close)
	s := &sseStream{lastData: time.Now()}
	go s.readLoop(connCtx, resp, filter.Channel, sub, onEvent)
	go s.watchdog(connCtx, cancel, sse.config.StaleTimeout)
	return sub, nil
}

type sseStream struct {
	mu       sync.Mutex
	lastData time.Time
	stale    bool
}

func (s *sseStream) touch() {
	s.mu.Lock()
	s.lastData = time.Now()
	s.mu.Unlock()
}

func (s *sseStream) readLoop(ctx context.Context, resp *http.Response, channel Channel, sub *subscription, onEvent func(ChangeEnvelope)) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		s.touch()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if strings.HasPrefix(line, "data: ") {
			onEvent(decodeEnvelope(channel, []byte(strings.TrimPrefix(line, "data: "))))
		}
	}

	s.mu.Lock()
	stale := s.stale
	s.mu.Unlock()

	err := scanner.Err()
	switch {
	case stale:
		err = fmt.Errorf("%w: SSE stream stale", ErrNetwork)
	case err == nil || errors.Is(err, context.Canceled):
		err = fmt.Errorf("%w: SSE stream ended", ErrNetwork)
	default:
		err = fmt.Errorf("%w: SSE read: %w", ErrNetwork, err)
	}
	sub.finish(err)
}

func (s *sseStream) watchdog(ctx context.Context, cancel context.CancelFunc, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := time.Since(s.lastData) > timeout
			s.stale = stale
			s.mu.Unlock()
			if stale {
				cancel()
				return
			}
		}
	}
}
