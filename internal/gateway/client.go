package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
)

type Config struct {
	URL           string
	Platform      string
	OS            string
	ClientVersion string
	UserAgent     string
	Origin        string
	RPCTimeout    time.Duration
}

func (c Config) rpcTimeout() time.Duration {
	if c.RPCTimeout <= 0 {
		return 10 * time.Second
	}
	return c.RPCTimeout
}

type callResult struct {
	body []byte
	err  error
}

// Client is one live connection to the game gateway. It is owned by exactly
// one account session; Close is safe to call at any time and any number of
// times.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[uint32]chan callResult
	clientSeq uint32
	serverSeq uint32
	closed    bool
	recvDone  chan struct{}

	writeMu sync.Mutex

	dispatcher   *dispatcher
	onDisconnect func(reason string)
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		logger:     logger,
		pending:    make(map[uint32]chan callResult),
		dispatcher: newDispatcher(),
	}
}

// Notify subscribes a handler to server-push notifications. Use Wildcard to
// receive every type.
func (c *Client) Notify(eventType string, handler NotifyHandler) {
	c.dispatcher.on(eventType, handler)
}

// OnDisconnect registers the callback fired once when the connection drops
// without Close being called. The owner must treat it as a session failure,
// not reconnect silently.
func (c *Client) OnDisconnect(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Connect dials the gateway with the account's login code. A 4xx handshake
// rejection means the code is no longer accepted and is surfaced as an auth
// failure; anything else is a retryable connect failure.
func (c *Client) Connect(ctx context.Context, code string) error {
	if code == "" {
		return apperrors.ValidationError("login code is empty").
			WithHint("rebind the account with a fresh code")
	}

	c.mu.Lock()
	if c.conn != nil && !c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.clientSeq = 1
	c.serverSeq = 0
	c.pending = make(map[uint32]chan callResult)
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.buildURL(code), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return apperrors.AuthFailed(
				fmt.Sprintf("gateway rejected handshake: HTTP %d", resp.StatusCode))
		}
		return apperrors.ConnectFailed(err)
	}

	recvDone := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.recvDone = recvDone
	c.mu.Unlock()

	go c.recvLoop(conn, recvDone)
	return nil
}

// Close tears the connection down and fails every pending call. Idempotent.
func (c *Client) Close() {
	c.teardown("", false)
}

func (c *Client) buildURL(code string) string {
	query := url.Values{}
	query.Set("platform", c.cfg.Platform)
	query.Set("os", c.cfg.OS)
	query.Set("ver", c.cfg.ClientVersion)
	query.Set("code", code)
	query.Set("openID", "")
	return c.cfg.URL + "?" + query.Encode()
}

// Call issues one request and waits for the matching response. The timeout
// is the shorter of ctx and the configured RPC timeout. A timed-out call
// always removes its pending entry.
func (c *Client) Call(ctx context.Context, service, method string, body []byte) ([]byte, error) {
	qualified := service + "." + method

	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return nil, apperrors.Disconnected("not connected")
	}
	seq := c.clientSeq
	c.clientSeq++
	serverSeq := c.serverSeq
	result := make(chan callResult, 1)
	c.pending[seq] = result
	conn := c.conn
	c.mu.Unlock()

	payload, err := Encode(Frame{
		Meta: Meta{
			Service:   service,
			Method:    method,
			Type:      MessageRequest,
			ClientSeq: seq,
			ServerSeq: serverSeq,
		},
		Body: body,
	})
	if err != nil {
		c.dropPending(seq)
		return nil, apperrors.Internal(fmt.Sprintf("encode %s: %v", qualified, err))
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.BinaryMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(seq)
		return nil, apperrors.Disconnected(fmt.Sprintf("write %s: %v", qualified, err))
	}

	timer := time.NewTimer(c.cfg.rpcTimeout())
	defer timer.Stop()

	select {
	case res := <-result:
		return res.body, res.err
	case <-timer.C:
		c.dropPending(seq)
		return nil, apperrors.CallTimeout(qualified)
	case <-ctx.Done():
		c.dropPending(seq)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.CallTimeout(qualified)
		}
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(seq uint32) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Client) recvLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.teardown(fmt.Sprintf("read: %v", err), true)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		frame, err := Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed gateway frame")
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame Frame) {
	c.mu.Lock()
	if frame.Meta.ServerSeq > c.serverSeq {
		c.serverSeq = frame.Meta.ServerSeq
	}
	c.mu.Unlock()

	switch frame.Meta.Type {
	case MessageResponse:
		c.mu.Lock()
		result, ok := c.pending[frame.Meta.ClientSeq]
		delete(c.pending, frame.Meta.ClientSeq)
		c.mu.Unlock()
		if !ok {
			return
		}
		if frame.Meta.ErrorCode != 0 {
			qualified := frame.Meta.Service + "." + frame.Meta.Method
			result <- callResult{err: apperrors.CallFailed(
				qualified, int(frame.Meta.ErrorCode), frame.Meta.ErrorMessage)}
			return
		}
		result <- callResult{body: frame.Body}
	case MessageEvent:
		c.dispatcher.emit(frame.Meta.Service, frame.Body)
	}
}

// teardown closes the socket, fails pending calls and, for remote-initiated
// drops, fires the disconnect callback exactly once.
func (c *Client) teardown(reason string, remote bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[uint32]chan callResult)
	onDisconnect := c.onDisconnect
	recvDone := c.recvDone
	c.recvDone = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	failReason := reason
	if failReason == "" {
		failReason = "connection closed"
	}
	for _, result := range pending {
		result <- callResult{err: apperrors.Disconnected(failReason)}
	}

	if !remote && recvDone != nil {
		<-recvDone
	}

	c.dispatcher.clear()

	if remote && onDisconnect != nil {
		c.logger.Warn().Str("reason", reason).Msg("gateway connection lost")
		onDisconnect(reason)
	}
}
