package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// Conn is one framed transport connection. Implementations must allow
// concurrent ReadMessage and WriteMessage; Close unblocks a pending read.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a new transport connection.
type Dialer func(ctx context.Context) (Conn, error)

// WebsocketDialer returns a Dialer over a websocket endpoint.
func WebsocketDialer(url string, header http.Header) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			return nil, fleet.NewGatewayUnavailable("websocket dial failed", err)
		}
		return &wsConn{conn: conn}, nil
	}
}

// wsConn adapts a gorilla websocket connection. gorilla allows one
// concurrent reader and one concurrent writer; the write mutex serializes
// callers.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// ReconnectPolicy bounds automatic reconnection after a dropped connection.
type ReconnectPolicy struct {
	Enabled     bool
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// ClientConfig configures a gateway client for one instance.
type ClientConfig struct {
	// InstanceID identifies the instance on the handshake.
	InstanceID string

	// Token is the channel credential presented on the handshake.
	Token string

	// RequestTimeout bounds RPCs whose context carries no deadline.
	RequestTimeout time.Duration

	// Reconnect controls automatic reconnection.
	Reconnect ReconnectPolicy

	// EventBuffer is the capacity of the event channel. Events beyond a
	// full buffer are dropped with a warning; sequence tracking reports
	// the loss as a gap.
	EventBuffer int
}

// DefaultClientConfig returns a config with production defaults.
func DefaultClientConfig(instanceID string) ClientConfig {
	return ClientConfig{
		InstanceID:     instanceID,
		RequestTimeout: 10 * time.Second,
		Reconnect: ReconnectPolicy{
			Enabled:     true,
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    15 * time.Second,
		},
		EventBuffer: 64,
	}
}

// Event is one delivered server-push event. Exactly one payload field is
// set, matching Kind. Gap reports that continuity was lost immediately
// before this event (missed output chunks or missed state on reconnect);
// the client never fabricates the missing data.
type Event struct {
	Kind     EventKind
	Output   *AgentOutputEvent
	Presence *PresenceEvent
	Shutdown *ShutdownEvent
	Gap      bool
}

// Client is a gateway channel client for a single instance. It owns the
// connection, correlates RPC responses by request id, and delivers events in
// arrival order.
type Client struct {
	cfg    ClientConfig
	dial   Dialer
	logger zerolog.Logger

	mu           sync.Mutex
	conn         Conn
	pending      map[string]chan *ResponseMessage
	closed       bool
	stateVersion int64
	lastSeq      map[string]int64

	events    chan Event
	closeOnce sync.Once
}

// NewClient creates a client. Connect must be called before any RPC.
func NewClient(cfg ClientConfig, dial Dialer, logger zerolog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	return &Client{
		cfg:     cfg,
		dial:    dial,
		logger:  logger.With().Str("component", "gateway-client").Str("instance_id", cfg.InstanceID).Logger(),
		pending: make(map[string]chan *ResponseMessage),
		lastSeq: make(map[string]int64),
		events:  make(chan Event, cfg.EventBuffer),
	}
}

// Events returns the server-push event stream. The channel closes when the
// client shuts down or reconnection is exhausted.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connect dials the gateway and completes the handshake, retrying per the
// reconnect policy. On success a reader goroutine runs until Close.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dialAndHandshake(ctx, false)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Close shuts the client down. Pending RPCs fail with GATEWAY_UNAVAILABLE.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.failPending()
	c.closeOnce.Do(func() { close(c.events) })

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Health probes agent liveness.
func (c *Client) Health(ctx context.Context) (*HealthResult, error) {
	var result HealthResult
	if err := c.call(ctx, MethodHealth, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status reads the agent's runtime status.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var result StatusResult
	if err := c.call(ctx, MethodStatus, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ConfigGet reads the live configuration and its hash.
func (c *Client) ConfigGet(ctx context.Context) (*ConfigGetResult, error) {
	var result ConfigGetResult
	if err := c.call(ctx, MethodConfigGet, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ConfigApply replaces the live configuration. The agent rejects the call
// with a conflict error when params.BaseHash no longer matches the live
// hash.
func (c *Client) ConfigApply(ctx context.Context, params ConfigApplyParams) (*ConfigApplyResult, error) {
	var result ConfigApplyResult
	if err := c.call(ctx, MethodConfigApply, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ConfigPatch merges a partial update, guarded by the same hash check as
// apply.
func (c *Client) ConfigPatch(ctx context.Context, patch json.RawMessage, baseHash string) (*ConfigApplyResult, error) {
	var result ConfigApplyResult
	params := ConfigPatchParams{Patch: patch, BaseHash: baseHash}
	if err := c.call(ctx, MethodConfigPatch, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// call performs one RPC and decodes the result.
func (c *Client) call(ctx context.Context, method Method, params interface{}, result interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fleet.NewInternal("failed to marshal RPC params", err)
		}
		rawParams = data
	}

	req := RequestMessage{
		ID:     uuid.New().String(),
		Method: method,
		Params: rawParams,
	}
	frame, err := EncodeMessage(MessageTypeRequest, req)
	if err != nil {
		return fleet.NewInternal("failed to encode RPC request", err)
	}

	respCh := make(chan *ResponseMessage, 1)

	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return fleet.NewGatewayUnavailable("gateway client is not connected", nil)
	}
	conn := c.conn
	c.pending[req.ID] = respCh
	c.mu.Unlock()

	if err := conn.WriteMessage(frame); err != nil {
		c.dropPending(req.ID)
		return fleet.NewGatewayUnavailable("failed to send RPC request", err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(req.ID)
		return fleet.NewAgentTimeout(string(method)+" timed out waiting for the agent", ctx.Err())
	case resp, ok := <-respCh:
		if !ok || resp == nil {
			return fleet.NewGatewayUnavailable("connection lost before the agent answered", nil)
		}
		if resp.Error != nil {
			return toFleetError(resp.Error)
		}
		if result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fleet.NewInternal("failed to decode RPC result", err)
			}
		}
		return nil
	}
}

// dialAndHandshake dials once (or with retry on reconnect) and completes
// the versioned handshake.
func (c *Client) dialAndHandshake(ctx context.Context, isReconnect bool) (Conn, error) {
	attempts := uint(1)
	if c.cfg.Reconnect.Enabled && c.cfg.Reconnect.MaxAttempts > 1 {
		attempts = c.cfg.Reconnect.MaxAttempts
	}

	var conn Conn
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.cfg.Reconnect.BaseDelay),
		retry.MaxDelay(c.cfg.Reconnect.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	).Do(func() error {
		dialed, err := c.dial(ctx)
		if err != nil {
			return err
		}
		if err := c.handshake(ctx, dialed, isReconnect); err != nil {
			_ = dialed.Close()
			return err
		}
		conn = dialed
		return nil
	})
	if err != nil {
		return nil, fleet.NewGatewayUnavailable("gateway connect failed", err)
	}
	return conn, nil
}

// handshake sends CONNECT and waits for CONNECTED or ERROR.
func (c *Client) handshake(ctx context.Context, conn Conn, isReconnect bool) error {
	connect := ConnectMessage{
		MinProtocol: ProtocolVersionMin,
		MaxProtocol: ProtocolVersionMax,
		Token:       c.cfg.Token,
		InstanceID:  c.cfg.InstanceID,
	}
	frame, err := EncodeMessage(MessageTypeConnect, connect)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(frame); err != nil {
		return err
	}

	type readResult struct {
		msg *Message
		err error
	}
	ch := make(chan readResult, 1)
	go func() {
		data, err := conn.ReadMessage()
		if err != nil {
			ch <- readResult{err: err}
			return
		}
		msg, err := DecodeMessage(data)
		ch <- readResult{msg: msg, err: err}
	}()

	var msg *Message
	select {
	case <-ctx.Done():
		_ = conn.Close()
		return fleet.NewAgentTimeout("handshake timed out", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		msg = r.msg
	}

	switch msg.Type {
	case MessageTypeConnected:
		var connected ConnectedMessage
		if err := DecodePayload(msg, &connected); err != nil {
			return err
		}
		c.noteConnected(&connected, isReconnect)
		return nil
	case MessageTypeError:
		var detail ErrorDetail
		if err := DecodePayload(msg, &detail); err != nil {
			return err
		}
		return toFleetError(&detail)
	default:
		return fleet.NewGatewayUnavailable("unexpected handshake reply: "+string(msg.Type), nil)
	}
}

// noteConnected records the handshake state and reports missed state on
// reconnect as a presence event with Gap set.
func (c *Client) noteConnected(connected *ConnectedMessage, isReconnect bool) {
	c.mu.Lock()
	previous := c.stateVersion
	c.stateVersion = connected.StateVersion
	c.mu.Unlock()

	c.logger.Info().
		Int("protocol", connected.Protocol).
		Int64("state_version", connected.StateVersion).
		Msg("Gateway handshake complete")

	if isReconnect && previous != 0 && connected.StateVersion != previous {
		c.logger.Warn().
			Int64("previous_state_version", previous).
			Int64("state_version", connected.StateVersion).
			Msg("Agent state changed while disconnected")
		c.deliver(Event{
			Kind:     EventPresence,
			Presence: &PresenceEvent{Presence: connected.Presence, StateVersion: connected.StateVersion},
			Gap:      true,
		})
	}
}

// readLoop dispatches inbound frames until the connection drops, then hands
// off to reconnect.
func (c *Client) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.failPending()
			if c.isClosed() {
				return
			}
			c.logger.Warn().Err(err).Msg("Gateway connection lost")
			if !c.reconnect() {
				_ = c.Close()
				return
			}
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed gateway frame")
			continue
		}

		switch msg.Type {
		case MessageTypeResponse:
			c.handleResponse(msg)
		case MessageTypeEvent:
			c.handleEvent(msg)
		default:
			c.logger.Warn().Str("type", string(msg.Type)).Msg("Unexpected gateway message")
		}
	}
}

// reconnect re-dials per policy and restarts the read loop. Returns false
// when reconnection is disabled or exhausted.
func (c *Client) reconnect() bool {
	if !c.cfg.Reconnect.Enabled {
		return false
	}

	conn, err := c.dialAndHandshake(context.Background(), true)
	if err != nil {
		c.logger.Error().Err(err).Msg("Gateway reconnect exhausted")
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return true
}

func (c *Client) handleResponse(msg *Message) {
	var resp ResponseMessage
	if err := DecodePayload(msg, &resp); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping malformed response")
		return
	}
	if err := resp.Validate(); err != nil {
		c.logger.Warn().Err(err).Str("request_id", resp.RequestID).Msg("Dropping invalid response")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	delete(c.pending, resp.RequestID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("request_id", resp.RequestID).Msg("Response for unknown request")
		return
	}
	ch <- &resp
}

func (c *Client) handleEvent(msg *Message) {
	var evt EventMessage
	if err := DecodePayload(msg, &evt); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping malformed event")
		return
	}

	switch evt.Kind {
	case EventAgentOutput:
		var output AgentOutputEvent
		if err := json.Unmarshal(evt.Data, &output); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed agentOutput event")
			return
		}
		gap := c.noteSeq(output.Stream, output.Seq)
		c.deliver(Event{Kind: EventAgentOutput, Output: &output, Gap: gap})
	case EventPresence:
		var presence PresenceEvent
		if err := json.Unmarshal(evt.Data, &presence); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed presence event")
			return
		}
		c.mu.Lock()
		c.stateVersion = presence.StateVersion
		c.mu.Unlock()
		c.deliver(Event{Kind: EventPresence, Presence: &presence})
	case EventShutdown:
		var shutdown ShutdownEvent
		if err := json.Unmarshal(evt.Data, &shutdown); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed shutdown event")
			return
		}
		c.deliver(Event{Kind: EventShutdown, Shutdown: &shutdown})
	case EventKeepalive:
		// Nothing to deliver; arrival alone proves liveness.
	default:
		c.logger.Debug().Str("kind", string(evt.Kind)).Msg("Ignoring unknown event kind")
	}
}

// noteSeq tracks per-stream output sequence numbers and reports gaps.
func (c *Client) noteSeq(stream string, seq int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, seen := c.lastSeq[stream]
	c.lastSeq[stream] = seq
	if !seen {
		return false
	}
	if seq != last+1 {
		c.logger.Warn().
			Str("stream", stream).
			Int64("last_seq", last).
			Int64("seq", seq).
			Msg("Output sequence gap detected")
		return true
	}
	return false
}

// deliver hands an event to the consumer, dropping on a full buffer. The
// lock is held across the send so Close cannot close the channel mid-send;
// the send never blocks.
func (c *Client) deliver(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.events <- event:
	default:
		c.logger.Warn().Str("kind", string(event.Kind)).Msg("Event buffer full, dropping event")
	}
}

// failPending fails every in-flight RPC.
func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *ResponseMessage)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// toFleetError maps a protocol error onto the control plane taxonomy.
func toFleetError(detail *ErrorDetail) error {
	switch detail.Code {
	case ErrCodeNotLinked:
		return fleet.NewGatewayUnavailable("instance has no live agent session: "+detail.Message, nil)
	case ErrCodeAgentTimeout:
		return fleet.NewAgentTimeout(detail.Message, nil)
	case ErrCodeConflict:
		return fleet.NewConflict(detail.Message, nil)
	case ErrCodeUnavailable:
		return fleet.NewGatewayUnavailable(detail.Message, nil)
	case ErrCodeInvalidRequest:
		return fleet.NewInternal("agent rejected request: "+detail.Message, nil)
	default:
		return fleet.NewInternal("gateway error "+string(detail.Code)+": "+detail.Message, nil)
	}
}
