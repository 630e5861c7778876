package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	inbound   chan Envelope
	sent      chan Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan Envelope, 16),
		sent:    make(chan Envelope, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Send(_ context.Context, env Envelope) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.sent <- env
	return nil
}

func (c *fakeConn) Recv(ctx context.Context) (Envelope, error) {
	select {
	case env := <-c.inbound:
		return env, nil
	case <-c.closed:
		return Envelope{}, ErrConnClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, event Event, payload any) {
	t.Helper()
	env, err := NewEnvelope(event, payload)
	require.NoError(t, err)
	c.inbound <- env
}

type fakeTransport struct {
	name string
	conn *fakeConn
	err  error

	mu       sync.Mutex
	dials    int
	endpoint *url.URL
	header   http.Header
}

func (t *fakeTransport) Name() string { return t.name }

func (t *fakeTransport) Dial(_ context.Context, endpoint *url.URL, header http.Header) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	t.endpoint = endpoint
	t.header = header
	if t.err != nil {
		return nil, t.err
	}
	return t.conn, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

type statusRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *statusRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *statusRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newTestManager(t *testing.T, cfg Config, transports ...Transport) *Manager {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "http://chat.example.com"
	}
	cfg.Transports = transports
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)
	return m
}

func connectAndWait(t *testing.T, m *Manager) {
	t.Helper()
	m.Connect(context.Background())
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
}

func decodeText(t *testing.T, env Envelope) string {
	t.Helper()
	var payload TextPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	return payload.Text
}

func decodeTyping(t *testing.T, env Envelope) bool {
	t.Helper()
	var payload TypingPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	return payload.Typing
}

func assertNothingSent(t *testing.T, conn *fakeConn, wait time.Duration) {
	t.Helper()
	select {
	case env := <-conn.sent:
		t.Fatalf("unexpected outbound event %s", env.Event)
	case <-time.After(wait):
	}
}

func TestNewManagerRejectsInvalidURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "http://", "://bad"} {
		_, err := NewManager(Config{URL: raw})
		assert.Error(t, err, raw)
	}

	_, err := NewManager(Config{URL: "http://example.com", Transports: []Transport{}})
	assert.ErrorIs(t, err, ErrNoTransports)
}

func TestTokenAttachedAsCredentialAndQuery(t *testing.T) {
	transport := &fakeTransport{name: "fake", conn: newFakeConn()}
	m := newTestManager(t, Config{URL: "https://chat.example.com/base/", SocketPath: "/socket", AuthToken: "abc123"}, transport)

	connectAndWait(t, m)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, "/base/socket", transport.endpoint.Path)
	assert.Equal(t, "abc123", transport.endpoint.Query().Get("token"))
	assert.Equal(t, "Bearer abc123", transport.header.Get("Authorization"))
}

func TestBestEffortOperationsDroppedWhenDisconnected(t *testing.T) {
	conn := newFakeConn()
	transport := &fakeTransport{name: "fake", conn: conn}
	m := newTestManager(t, Config{PreviewDebounce: 10 * time.Millisecond, TypingTimeout: 10 * time.Millisecond}, transport)

	require.False(t, m.IsConnected())
	assert.NotPanics(t, func() {
		m.SendLiveEmotionPreview("hello")
		m.SetTyping(true)
		m.JoinRoom("lobby")
	})
	assert.Equal(t, 0, transport.dialCount())
	assertNothingSent(t, conn, 50*time.Millisecond)
}

func TestAnalyzeEmotionRequiresConnection(t *testing.T) {
	m := newTestManager(t, Config{}, &fakeTransport{name: "fake", conn: newFakeConn()})

	err := m.AnalyzeEmotion("hello")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAnalyzeEmotionSendsEnvelope(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, Config{}, &fakeTransport{name: "fake", conn: conn})
	connectAndWait(t, m)

	require.NoError(t, m.AnalyzeEmotion("I am so happy today"))

	env := <-conn.sent
	assert.Equal(t, EventAnalyzeEmotion, env.Event)
	assert.Equal(t, "I am so happy today", decodeText(t, env))
}

func TestJoinRoomSendsEnvelope(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, Config{}, &fakeTransport{name: "fake", conn: conn})
	connectAndWait(t, m)

	m.JoinRoom("support")

	env := <-conn.sent
	assert.Equal(t, EventJoinRoom, env.Event)
	assert.JSONEq(t, `{"room":"support"}`, string(env.Data))
}

func TestSetTypingAutoClearsOnceFromLastCall(t *testing.T) {
	const timeout = 200 * time.Millisecond
	conn := newFakeConn()
	m := newTestManager(t, Config{TypingTimeout: timeout}, &fakeTransport{name: "fake", conn: conn})
	connectAndWait(t, m)

	m.SetTyping(true)
	time.Sleep(100 * time.Millisecond)
	second := time.Now()
	m.SetTyping(true)

	var values []bool
	var clearedAt time.Time
	deadline := time.After(3 * timeout)
collect:
	for {
		select {
		case env := <-conn.sent:
			require.Equal(t, EventTyping, env.Event)
			v := decodeTyping(t, env)
			values = append(values, v)
			if !v {
				clearedAt = time.Now()
			}
		case <-deadline:
			break collect
		}
	}

	assert.Equal(t, []bool{true, true, false}, values)
	require.False(t, clearedAt.IsZero())
	assert.GreaterOrEqual(t, clearedAt.Sub(second), timeout-10*time.Millisecond)
}

func TestSetTypingFalseCancelsAutoClear(t *testing.T) {
	const timeout = 50 * time.Millisecond
	conn := newFakeConn()
	m := newTestManager(t, Config{TypingTimeout: timeout}, &fakeTransport{name: "fake", conn: conn})
	connectAndWait(t, m)

	m.SetTyping(true)
	m.SetTyping(false)

	assert.True(t, decodeTyping(t, <-conn.sent))
	assert.False(t, decodeTyping(t, <-conn.sent))
	assertNothingSent(t, conn, 3*timeout)
}

func TestPreviewDebounceSendsLastText(t *testing.T) {
	const debounce = 50 * time.Millisecond
	conn := newFakeConn()
	m := newTestManager(t, Config{PreviewDebounce: debounce}, &fakeTransport{name: "fake", conn: conn})
	connectAndWait(t, m)

	m.SendLiveEmotionPreview("I")
	m.SendLiveEmotionPreview("I am")
	m.SendLiveEmotionPreview("I am happy")

	select {
	case env := <-conn.sent:
		assert.Equal(t, EventLiveEmotionPreview, env.Event)
		assert.Equal(t, "I am happy", decodeText(t, env))
	case <-time.After(time.Second):
		t.Fatal("preview was never sent")
	}
	assertNothingSent(t, conn, 3*debounce)
}

func TestPreviewDroppedWhenDisconnectedBeforeFiring(t *testing.T) {
	const debounce = 50 * time.Millisecond
	conn := newFakeConn()
	m := newTestManager(t, Config{PreviewDebounce: debounce}, &fakeTransport{name: "fake", conn: conn})
	connectAndWait(t, m)

	m.SendLiveEmotionPreview("almost sent")
	m.Disconnect()

	assertNothingSent(t, conn, 3*debounce)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	var disconnects atomic.Int32
	recorder := &statusRecorder{}
	m := newTestManager(t, Config{Callbacks: Callbacks{
		OnDisconnect:       func() { disconnects.Add(1) },
		OnConnectionStatus: recorder.record,
	}}, &fakeTransport{name: "fake", conn: newFakeConn()})

	m.Disconnect()
	assert.Empty(t, recorder.snapshot(), "disconnect before connect must be a no-op")

	connectAndWait(t, m)
	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	m.Disconnect()
	m.Disconnect()

	assert.Equal(t, int32(1), disconnects.Load())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, recorder.snapshot())
}

func TestDialFailureReportsErrorState(t *testing.T) {
	errCh := make(chan error, 1)
	recorder := &statusRecorder{}
	transport := &fakeTransport{name: "fake", err: errors.New("refused")}
	m := newTestManager(t, Config{Callbacks: Callbacks{
		OnError:            func(err error) { errCh <- err },
		OnConnectionStatus: recorder.record,
	}}, transport)

	m.Connect(context.Background())

	select {
	case err := <-errCh:
		assert.ErrorContains(t, err, "refused")
	case <-time.After(time.Second):
		t.Fatal("OnError not called")
	}
	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateError, m.State())
	assert.False(t, m.IsConnected())
	assert.Equal(t, "error", m.ConnectionStatus())
	assert.Equal(t, []State{StateConnecting, StateError}, recorder.snapshot())
	assert.Equal(t, 1, transport.dialCount(), "no automatic retry")
}

func TestConnectFallsBackToNextTransport(t *testing.T) {
	failing := &fakeTransport{name: "websocket", err: errors.New("upgrade refused")}
	working := &fakeTransport{name: "polling", conn: newFakeConn()}
	m := newTestManager(t, Config{}, failing, working)

	connectAndWait(t, m)

	assert.Equal(t, 1, failing.dialCount())
	assert.Equal(t, 1, working.dialCount())
}

func TestInboundEventsDispatchToCallbacks(t *testing.T) {
	conn := newFakeConn()
	analysisCh := make(chan EmotionAnalysis, 1)
	previewCh := make(chan EmotionPreview, 1)
	typingCh := make(chan TypingStatus, 1)
	errCh := make(chan error, 2)
	recorder := &statusRecorder{}

	m := newTestManager(t, Config{Callbacks: Callbacks{
		OnEmotionAnalysis:  func(a EmotionAnalysis) { analysisCh <- a },
		OnEmotionPreview:   func(p EmotionPreview) { previewCh <- p },
		OnTyping:           func(s TypingStatus) { typingCh <- s },
		OnError:            func(err error) { errCh <- err },
		OnConnectionStatus: recorder.record,
	}}, &fakeTransport{name: "fake", conn: conn})
	connectAndWait(t, m)

	conn.push(t, EventConnectionResponse, ConnectionResponse{Status: "connected", UserID: "u1"})
	conn.push(t, EventRoomJoined, RoomJoined{Room: "lobby", UserID: "u1"})
	conn.push(t, EventEmotionAnalysisResponse, map[string]any{
		"emotion": "happy", "confidence": 0.92, "polarity": 0.8, "subjectivity": 0.6, "bot_message": "Great!",
	})
	conn.push(t, EventEmotionPreview, map[string]any{"emotion": "sad", "confidence": 0.4, "is_preview": true})
	conn.push(t, EventUserTyping, TypingStatus{UserID: "u1", Typing: true})
	conn.push(t, EventError, ErrorPayload{Message: "Text is required"})

	analysis := <-analysisCh
	assert.Equal(t, "happy", analysis.Emotion)
	assert.InDelta(t, 0.92, analysis.Confidence, 1e-9)
	assert.Equal(t, "Great!", analysis.BotMessage)

	preview := <-previewCh
	assert.Equal(t, "sad", preview.Emotion)
	assert.True(t, preview.IsPreview)

	assert.Equal(t, TypingStatus{UserID: "u1", Typing: true}, <-typingCh)

	var serverErr *ServerError
	require.ErrorAs(t, <-errCh, &serverErr)
	assert.Equal(t, EventError, serverErr.Event)
	assert.Equal(t, "Text is required", serverErr.Message)
	assert.True(t, m.IsConnected(), "error frames do not change the connection state")

	conn.push(t, EventConnectError, ErrorPayload{Message: "token expired"})
	require.ErrorAs(t, <-errCh, &serverErr)
	assert.Equal(t, EventConnectError, serverErr.Event)
	require.Eventually(t, func() bool {
		states := recorder.snapshot()
		return len(states) > 0 && states[len(states)-1] == StateError
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateError, m.State())
}

func TestCallbackSettersReplacePreviousHandler(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, Config{}, &fakeTransport{name: "fake", conn: conn})

	var first, second atomic.Int32
	m.OnTyping(func(TypingStatus) { first.Add(1) })
	m.OnTyping(func(TypingStatus) { second.Add(1) })
	connectAndWait(t, m)

	conn.push(t, EventUserTyping, TypingStatus{UserID: "u1", Typing: false})

	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestRemoteCloseReportsDisconnect(t *testing.T) {
	conn := newFakeConn()
	disconnected := make(chan struct{})
	m := newTestManager(t, Config{}, &fakeTransport{name: "fake", conn: conn})
	m.OnDisconnect(func() { close(disconnected) })
	connectAndWait(t, m)

	conn.Close()

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect not called after remote close")
	}
	assert.Equal(t, StateDisconnected, m.State())
	assert.ErrorIs(t, m.AnalyzeEmotion("late"), ErrNotConnected)
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	transport := &fakeTransport{name: "fake", conn: newFakeConn()}
	m := newTestManager(t, Config{}, transport)
	connectAndWait(t, m)

	m.Connect(context.Background())

	assert.Equal(t, 1, transport.dialCount())
}
