package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

// fakeConn is an in-memory Conn fed by the test.
type fakeConn struct {
	reads  chan []byte
	writes chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan []byte, 16),
		writes: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.reads:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case c.writes <- data:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push frames a payload into the client's read stream.
func (c *fakeConn) push(t *testing.T, msgType MessageType, data interface{}) {
	t.Helper()
	frame, err := EncodeMessage(msgType, data)
	if err != nil {
		t.Fatalf("EncodeMessage(%s) error = %v", msgType, err)
	}
	c.reads <- frame
}

// nextWrite decodes the next frame the client wrote.
func (c *fakeConn) nextWrite(t *testing.T) *Message {
	t.Helper()
	select {
	case data := <-c.writes:
		msg, err := DecodeMessage(data)
		if err != nil {
			t.Fatalf("DecodeMessage() error = %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client write")
		return nil
	}
}

// scriptedAgent answers the handshake and serves RPCs with the given
// handler until the connection closes.
func scriptedAgent(t *testing.T, conn *fakeConn, stateVersion int64, handle func(req *RequestMessage) *ResponseMessage) {
	t.Helper()
	go func() {
		for {
			var data []byte
			select {
			case data = <-conn.writes:
			case <-conn.closed:
				return
			}
			msg, err := DecodeMessage(data)
			if err != nil {
				continue
			}
			switch msg.Type {
			case MessageTypeConnect:
				frame, _ := EncodeMessage(MessageTypeConnected, ConnectedMessage{
					Protocol:     ProtocolVersionMax,
					Presence:     "online",
					Health:       "HEALTHY",
					StateVersion: stateVersion,
				})
				conn.reads <- frame
			case MessageTypeRequest:
				var req RequestMessage
				if err := DecodePayload(msg, &req); err != nil {
					continue
				}
				resp := handle(&req)
				if resp == nil {
					continue
				}
				resp.RequestID = req.ID
				frame, _ := EncodeMessage(MessageTypeResponse, resp)
				conn.reads <- frame
			}
		}
	}()
}

func testClient(conn Conn) *Client {
	cfg := ClientConfig{
		InstanceID:     "inst-1",
		Token:          "channel-token",
		RequestTimeout: 2 * time.Second,
		Reconnect:      ReconnectPolicy{Enabled: false},
		EventBuffer:    16,
	}
	dial := func(ctx context.Context) (Conn, error) { return conn, nil }
	return NewClient(cfg, dial, zerolog.Nop())
}

func TestClientConnectAndConfigGet(t *testing.T) {
	conn := newFakeConn()
	scriptedAgent(t, conn, 7, func(req *RequestMessage) *ResponseMessage {
		if req.Method != MethodConfigGet {
			t.Errorf("Method = %s, want config.get", req.Method)
		}
		result, _ := json.Marshal(ConfigGetResult{
			Config: json.RawMessage(`{"name":"support-bot"}`),
			Hash:   "abc123",
		})
		return &ResponseMessage{Result: result}
	})

	client := testClient(conn)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer func() { _ = client.Close() }()

	got, err := client.ConfigGet(context.Background())
	if err != nil {
		t.Fatalf("ConfigGet() error = %v", err)
	}
	if got.Hash != "abc123" {
		t.Errorf("Hash = %q, want abc123", got.Hash)
	}
}

func TestClientHandshakeRejected(t *testing.T) {
	conn := newFakeConn()
	go func() {
		<-conn.writes // CONNECT
		frame, _ := EncodeMessage(MessageTypeError, ErrorDetail{
			Code:    ErrCodeNotLinked,
			Message: "no live session for instance",
		})
		conn.reads <- frame
	}()

	client := testClient(conn)
	err := client.Connect(context.Background())
	if !fleet.IsGatewayUnavailable(err) {
		t.Fatalf("Connect() error = %v, want GATEWAY_UNAVAILABLE", err)
	}
}

func TestClientConfigApplyConflict(t *testing.T) {
	conn := newFakeConn()
	scriptedAgent(t, conn, 1, func(req *RequestMessage) *ResponseMessage {
		var params ConfigApplyParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			t.Errorf("bad apply params: %v", err)
		}
		if params.BaseHash != "stale" {
			t.Errorf("BaseHash = %q, want stale", params.BaseHash)
		}
		return &ResponseMessage{Error: &ErrorDetail{
			Code:    ErrCodeConflict,
			Message: "base hash does not match live config",
		}}
	})

	client := testClient(conn)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer func() { _ = client.Close() }()

	_, err := client.ConfigApply(context.Background(), ConfigApplyParams{
		Raw:      json.RawMessage(`{}`),
		BaseHash: "stale",
	})
	if !fleet.IsConflict(err) {
		t.Fatalf("ConfigApply() error = %v, want CONFLICT", err)
	}
}

func TestClientRequestTimeout(t *testing.T) {
	conn := newFakeConn()
	scriptedAgent(t, conn, 1, func(req *RequestMessage) *ResponseMessage {
		return nil // never answer
	})

	client := testClient(conn)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Health(ctx)
	if !fleet.IsAgentTimeout(err) {
		t.Fatalf("Health() error = %v, want AGENT_TIMEOUT", err)
	}
}

func TestClientEventDeliveryAndGapDetection(t *testing.T) {
	conn := newFakeConn()
	scriptedAgent(t, conn, 1, func(req *RequestMessage) *ResponseMessage { return nil })

	client := testClient(conn)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer func() { _ = client.Close() }()

	pushOutput := func(seq int64) {
		data, _ := json.Marshal(AgentOutputEvent{Stream: "stdout", Seq: seq, Chunk: "line"})
		conn.push(t, MessageTypeEvent, EventMessage{Kind: EventAgentOutput, Data: data})
	}

	pushOutput(1)
	pushOutput(2)
	pushOutput(5) // 3 and 4 lost

	want := []struct {
		seq int64
		gap bool
	}{{1, false}, {2, false}, {5, true}}

	for i, w := range want {
		select {
		case evt := <-client.Events():
			if evt.Kind != EventAgentOutput {
				t.Fatalf("event %d kind = %s, want agentOutput", i, evt.Kind)
			}
			if evt.Output.Seq != w.seq || evt.Gap != w.gap {
				t.Errorf("event %d = seq %d gap %v, want seq %d gap %v",
					i, evt.Output.Seq, evt.Gap, w.seq, w.gap)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestClientPresenceUpdatesStateVersion(t *testing.T) {
	conn := newFakeConn()
	scriptedAgent(t, conn, 1, func(req *RequestMessage) *ResponseMessage { return nil })

	client := testClient(conn)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer func() { _ = client.Close() }()

	data, _ := json.Marshal(PresenceEvent{Presence: "away", StateVersion: 9})
	conn.push(t, MessageTypeEvent, EventMessage{Kind: EventPresence, Data: data})

	select {
	case evt := <-client.Events():
		if evt.Kind != EventPresence || evt.Presence.StateVersion != 9 {
			t.Errorf("event = %+v, want presence with state_version 9", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence event")
	}

	client.mu.Lock()
	got := client.stateVersion
	client.mu.Unlock()
	if got != 9 {
		t.Errorf("stateVersion = %d, want 9", got)
	}
}

func TestClientConnectionLossFailsPendingCalls(t *testing.T) {
	conn := newFakeConn()
	scriptedAgent(t, conn, 1, func(req *RequestMessage) *ResponseMessage {
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = conn.Close()
		}()
		return nil
	})

	client := testClient(conn)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_, err := client.Health(context.Background())
	if !fleet.IsGatewayUnavailable(err) {
		t.Fatalf("Health() error = %v, want GATEWAY_UNAVAILABLE", err)
	}
}

func TestClientReconnectRestoresService(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	scriptedAgent(t, first, 3, func(req *RequestMessage) *ResponseMessage { return nil })
	scriptedAgent(t, second, 8, func(req *RequestMessage) *ResponseMessage {
		result, _ := json.Marshal(HealthResult{State: "HEALTHY"})
		return &ResponseMessage{Result: result}
	})

	conns := make(chan Conn, 2)
	conns <- first
	conns <- second
	dial := func(ctx context.Context) (Conn, error) {
		select {
		case c := <-conns:
			return c, nil
		default:
			return nil, errors.New("no more connections")
		}
	}

	cfg := ClientConfig{
		InstanceID:     "inst-1",
		RequestTimeout: 2 * time.Second,
		Reconnect: ReconnectPolicy{
			Enabled:     true,
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
		},
		EventBuffer: 16,
	}
	client := NewClient(cfg, dial, zerolog.Nop())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer func() { _ = client.Close() }()

	_ = first.Close()

	// Missed state while disconnected surfaces as a presence event with
	// Gap set (state version moved 3 -> 8).
	select {
	case evt := <-client.Events():
		if evt.Kind != EventPresence || !evt.Gap {
			t.Errorf("event = %+v, want presence with Gap", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect gap event")
	}

	got, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() after reconnect error = %v", err)
	}
	if got.State != "HEALTHY" {
		t.Errorf("State = %q, want HEALTHY", got.State)
	}
}

func TestResponseValidateXOR(t *testing.T) {
	tests := []struct {
		name    string
		resp    ResponseMessage
		wantErr bool
	}{
		{
			name: "result only",
			resp: ResponseMessage{RequestID: "r1", Result: json.RawMessage(`{}`)},
		},
		{
			name: "error only",
			resp: ResponseMessage{RequestID: "r1", Error: &ErrorDetail{Code: ErrCodeUnavailable}},
		},
		{
			name:    "both set",
			resp:    ResponseMessage{RequestID: "r1", Result: json.RawMessage(`{}`), Error: &ErrorDetail{Code: ErrCodeUnavailable}},
			wantErr: true,
		},
		{
			name:    "neither set",
			resp:    ResponseMessage{RequestID: "r1"},
			wantErr: true,
		},
		{
			name:    "missing request id",
			resp:    ResponseMessage{Result: json.RawMessage(`{}`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.resp.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
