package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotConnected 表示在会话未连接时调用了必须连接的操作。
	ErrNotConnected = errors.New("not connected to realtime server")
	ErrNoTransports = errors.New("no realtime transports configured")
)

// State 是实时会话的连接状态。
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ServerError carries an error or connect_error frame sent by the server.
type ServerError struct {
	Event   Event
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Event, e.Message)
}

// Callbacks 为每类入站事件保存一个处理函数，未设置的视为空操作。
type Callbacks struct {
	OnConnect          func()
	OnDisconnect       func()
	OnError            func(err error)
	OnEmotionAnalysis  func(EmotionAnalysis)
	OnEmotionPreview   func(EmotionPreview)
	OnTyping           func(TypingStatus)
	OnConnectionStatus func(State)
}

// Config 描述一个实时会话。
type Config struct {
	// URL is the server base URL, e.g. "http://localhost:5000".
	URL        string
	SocketPath string
	AuthToken  string
	// Transports are tried in order on every Connect. Defaults to websocket then polling.
	Transports      []Transport
	PreviewDebounce time.Duration
	TypingTimeout   time.Duration
	SendTimeout     time.Duration
	Callbacks       Callbacks
}

// Manager owns exactly one realtime session and turns wire events into callbacks.
// Callbacks run on the session goroutine, one at a time, in arrival order.
type Manager struct {
	endpoint        *url.URL
	header          http.Header
	transports      []Transport
	previewDebounce time.Duration
	typingTimeout   time.Duration
	sendTimeout     time.Duration

	cbMu      sync.RWMutex
	callbacks Callbacks

	mu      sync.Mutex
	state   State
	conn    Conn
	cancel  context.CancelFunc
	session uint64

	typing  scheduledTask
	preview scheduledTask
}

// NewManager validates cfg and returns a disconnected Manager.
func NewManager(cfg Config) (*Manager, error) {
	endpoint, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("invalid realtime url %q: %w", cfg.URL, err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("invalid realtime url %q: scheme must be http or https", cfg.URL)
	}
	if endpoint.Host == "" {
		return nil, fmt.Errorf("invalid realtime url %q: missing host", cfg.URL)
	}

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = "/socket"
	}
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + "/" + strings.Trim(socketPath, "/")

	// 令牌同时作为握手凭证与查询参数发送，兼容服务端不同的提取方式。
	header := http.Header{}
	if cfg.AuthToken != "" {
		query := endpoint.Query()
		query.Set("token", cfg.AuthToken)
		endpoint.RawQuery = query.Encode()
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	transports := cfg.Transports
	if transports == nil {
		transports = []Transport{
			NewWebSocketTransport(DefaultWebSocketOptions()),
			NewPollingTransport(nil),
		}
	}
	if len(transports) == 0 {
		return nil, ErrNoTransports
	}

	m := &Manager{
		endpoint:        endpoint,
		header:          header,
		transports:      transports,
		previewDebounce: cfg.PreviewDebounce,
		typingTimeout:   cfg.TypingTimeout,
		sendTimeout:     cfg.SendTimeout,
		callbacks:       cfg.Callbacks,
		state:           StateDisconnected,
	}
	if m.previewDebounce <= 0 {
		m.previewDebounce = 300 * time.Millisecond
	}
	if m.typingTimeout <= 0 {
		m.typingTimeout = 2000 * time.Millisecond
	}
	if m.sendTimeout <= 0 {
		m.sendTimeout = 10 * time.Second
	}
	return m, nil
}

// Connect starts opening the session and returns immediately. State changes are
// reported later through OnConnect, OnError and OnConnectionStatus.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		// connect_error 之后连接仍然存在，重新连接前先关闭。
		m.conn.Close()
		m.conn = nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.session++
	id := m.session
	sessionCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.state = StateConnecting
	m.mu.Unlock()

	m.fireStatus(StateConnecting)
	go m.run(sessionCtx, id)
}

// Disconnect closes the session if one is open or opening. Calling it again is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.conn == nil && m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	conn, cancel := m.conn, m.cancel
	m.conn, m.cancel = nil, nil
	m.session++
	m.state = StateDisconnected
	m.mu.Unlock()

	m.typing.cancel()
	m.preview.cancel()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("[realtime] close connection: %v", err)
		}
		log.Println("[realtime] disconnected from server")
		m.fireDisconnect()
	}
	m.fireStatus(StateDisconnected)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the session is in the connected state.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// ConnectionStatus 返回与回调一致的四态状态字符串。
func (m *Manager) ConnectionStatus() string {
	return string(m.State())
}

// AnalyzeEmotion sends analyze_emotion. Calling it without a connected session is a
// caller error and returns ErrNotConnected.
func (m *Manager) AnalyzeEmotion(text string) error {
	return m.emit(EventAnalyzeEmotion, TextPayload{Text: text})
}

// SendLiveEmotionPreview debounces live_emotion_preview; only the last text within the
// quiet period is sent. Dropped silently when not connected.
func (m *Manager) SendLiveEmotionPreview(text string) {
	if !m.IsConnected() {
		return
	}
	m.preview.schedule(m.previewDebounce, func() {
		m.emitBestEffort(EventLiveEmotionPreview, TextPayload{Text: text})
	})
}

// SetTyping emits typing. A true value is reverted automatically once the typing
// timeout passes without another call. Dropped silently when not connected.
func (m *Manager) SetTyping(isTyping bool) {
	if !m.IsConnected() {
		return
	}

	m.typing.cancel()
	m.emitBestEffort(EventTyping, TypingPayload{Typing: isTyping})

	if isTyping {
		m.typing.schedule(m.typingTimeout, func() {
			m.emitBestEffort(EventTyping, TypingPayload{Typing: false})
		})
	}
}

// JoinRoom sends join_room. Dropped silently when not connected.
func (m *Manager) JoinRoom(room string) {
	if !m.IsConnected() {
		return
	}
	m.emitBestEffort(EventJoinRoom, RoomPayload{Room: room})
}

// OnConnect replaces the connect handler.
func (m *Manager) OnConnect(fn func()) {
	m.cbMu.Lock()
	m.callbacks.OnConnect = fn
	m.cbMu.Unlock()
}

// OnDisconnect replaces the disconnect handler.
func (m *Manager) OnDisconnect(fn func()) {
	m.cbMu.Lock()
	m.callbacks.OnDisconnect = fn
	m.cbMu.Unlock()
}

// OnError replaces the error handler.
func (m *Manager) OnError(fn func(err error)) {
	m.cbMu.Lock()
	m.callbacks.OnError = fn
	m.cbMu.Unlock()
}

// OnEmotionAnalysis replaces the emotion_analysis_response handler.
func (m *Manager) OnEmotionAnalysis(fn func(EmotionAnalysis)) {
	m.cbMu.Lock()
	m.callbacks.OnEmotionAnalysis = fn
	m.cbMu.Unlock()
}

// OnEmotionPreview replaces the emotion_preview handler.
func (m *Manager) OnEmotionPreview(fn func(EmotionPreview)) {
	m.cbMu.Lock()
	m.callbacks.OnEmotionPreview = fn
	m.cbMu.Unlock()
}

// OnTyping replaces the user_typing handler.
func (m *Manager) OnTyping(fn func(TypingStatus)) {
	m.cbMu.Lock()
	m.callbacks.OnTyping = fn
	m.cbMu.Unlock()
}

// OnConnectionStatus replaces the connection status handler.
func (m *Manager) OnConnectionStatus(fn func(State)) {
	m.cbMu.Lock()
	m.callbacks.OnConnectionStatus = fn
	m.cbMu.Unlock()
}

func (m *Manager) run(ctx context.Context, id uint64) {
	conn, transport, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		if m.session != id {
			m.mu.Unlock()
			return
		}
		m.cancel = nil
		m.state = StateError
		m.mu.Unlock()

		log.Printf("[realtime] connection error: %v", err)
		m.fireError(err)
		m.fireStatus(StateError)
		return
	}

	m.mu.Lock()
	if m.session != id {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.state = StateConnected
	m.mu.Unlock()

	log.Printf("[realtime] connected to server via %s", transport)
	m.fireConnect()
	m.fireStatus(StateConnected)

	for {
		env, err := conn.Recv(ctx)
		if err != nil {
			m.endSession(id, err)
			return
		}
		if !m.current(id) {
			return
		}
		m.dispatch(id, env)
	}
}

func (m *Manager) dial(ctx context.Context) (Conn, string, error) {
	var errs []error
	for _, transport := range m.transports {
		conn, err := transport.Dial(ctx, m.endpoint, m.header)
		if err == nil {
			return conn, transport.Name(), nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		log.Printf("[realtime] %s transport unavailable: %v", transport.Name(), err)
		errs = append(errs, fmt.Errorf("%s: %w", transport.Name(), err))
	}
	return nil, "", fmt.Errorf("connect_error: %w", errors.Join(errs...))
}

// endSession 处理传输层结束的会话，主动 Disconnect 时已由调用方处理。
func (m *Manager) endSession(id uint64, cause error) {
	m.mu.Lock()
	if m.session != id {
		m.mu.Unlock()
		return
	}
	conn, cancel := m.conn, m.cancel
	m.conn, m.cancel = nil, nil
	m.session++
	m.state = StateDisconnected
	m.mu.Unlock()

	m.typing.cancel()
	m.preview.cancel()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}

	if IsCloseError(cause) {
		log.Println("[realtime] disconnected from server")
	} else {
		log.Printf("[realtime] disconnected from server: %v", cause)
	}
	m.fireDisconnect()
	m.fireStatus(StateDisconnected)
}

func (m *Manager) current(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session == id
}

func (m *Manager) dispatch(id uint64, env Envelope) {
	switch env.Event {
	case EventEmotionAnalysisResponse:
		var payload EmotionAnalysis
		if !decodePayload(env, &payload) {
			return
		}
		log.Printf("[realtime] received emotion analysis: emotion=%s confidence=%.2f", payload.Emotion, payload.Confidence)
		m.cbMu.RLock()
		fn := m.callbacks.OnEmotionAnalysis
		m.cbMu.RUnlock()
		if fn != nil {
			fn(payload)
		}
	case EventEmotionPreview:
		var payload EmotionPreview
		if !decodePayload(env, &payload) {
			return
		}
		log.Printf("[realtime] received emotion preview: emotion=%s", payload.Emotion)
		m.cbMu.RLock()
		fn := m.callbacks.OnEmotionPreview
		m.cbMu.RUnlock()
		if fn != nil {
			fn(payload)
		}
	case EventUserTyping:
		var payload TypingStatus
		if !decodePayload(env, &payload) {
			return
		}
		log.Printf("[realtime] user typing status: user=%s typing=%t", payload.UserID, payload.Typing)
		m.cbMu.RLock()
		fn := m.callbacks.OnTyping
		m.cbMu.RUnlock()
		if fn != nil {
			fn(payload)
		}
	case EventError:
		var payload ErrorPayload
		decodePayload(env, &payload)
		log.Printf("[realtime] server error: %s", payload.Message)
		m.fireError(&ServerError{Event: env.Event, Message: payload.Message})
	case EventConnectError:
		var payload ErrorPayload
		decodePayload(env, &payload)
		log.Printf("[realtime] connection error: %s", payload.Message)

		m.mu.Lock()
		if m.session != id {
			m.mu.Unlock()
			return
		}
		m.state = StateError
		m.mu.Unlock()

		m.fireError(&ServerError{Event: env.Event, Message: payload.Message})
		m.fireStatus(StateError)
	case EventConnectionResponse:
		var payload ConnectionResponse
		if decodePayload(env, &payload) {
			log.Printf("[realtime] connection response: status=%s user=%s", payload.Status, payload.UserID)
		}
	case EventRoomJoined:
		var payload RoomJoined
		if decodePayload(env, &payload) {
			log.Printf("[realtime] joined room: room=%s user=%s", payload.Room, payload.UserID)
		}
	default:
		log.Printf("[realtime] ignoring unknown event %q", env.Event)
	}
}

func decodePayload(env Envelope, v any) bool {
	if len(env.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		log.Printf("[realtime] invalid %s payload: %v", env.Event, err)
		return false
	}
	return true
}

func (m *Manager) emit(event Event, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	env, err := NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
	defer cancel()
	if err := conn.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (m *Manager) emitBestEffort(event Event, payload any) {
	if err := m.emit(event, payload); err != nil && !errors.Is(err, ErrNotConnected) {
		log.Printf("[realtime] %v", err)
	}
}

func (m *Manager) fireConnect() {
	m.cbMu.RLock()
	fn := m.callbacks.OnConnect
	m.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (m *Manager) fireDisconnect() {
	m.cbMu.RLock()
	fn := m.callbacks.OnDisconnect
	m.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (m *Manager) fireError(err error) {
	m.cbMu.RLock()
	fn := m.callbacks.OnError
	m.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (m *Manager) fireStatus(state State) {
	m.cbMu.RLock()
	fn := m.callbacks.OnConnectionStatus
	m.cbMu.RUnlock()
	if fn != nil {
		fn(state)
	}
}

// TransportsByName builds transports in the given order from their configured names.
func TransportsByName(names []string, wsOptions WebSocketOptions, pollingClient *http.Client) ([]Transport, error) {
	transports := make([]Transport, 0, len(names))
	for _, name := range names {
		switch name {
		case "websocket":
			transports = append(transports, NewWebSocketTransport(wsOptions))
		case "polling":
			transports = append(transports, NewPollingTransport(pollingClient))
		default:
			return nil, fmt.Errorf("unknown realtime transport %q", name)
		}
	}
	if len(transports) == 0 {
		return nil, ErrNoTransports
	}
	return transports, nil
}
