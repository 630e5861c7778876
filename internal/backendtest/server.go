// Package backendtest runs an in-process EmotiBot backend for client tests.
package backendtest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/emotibot/internal/analysis/emotion"
	"github.com/zhouzirui/emotibot/internal/service/chat"
	"github.com/zhouzirui/emotibot/internal/service/realtime"
	"github.com/zhouzirui/emotibot/pkg/utils"
)

// Options 配置测试后端。
type Options struct {
	// SocketPath defaults to "/socket".
	SocketPath string
	// Token, when set, is required on every request as a Bearer header or token query.
	Token string
	// PollTimeout bounds how long a GET on the polling endpoint waits for events.
	PollTimeout time.Duration
}

// Handshake records how a realtime session was opened.
type Handshake struct {
	Transport     string
	Authorization string
	QueryToken    string
}

// AnalyzeCall records one POST to the analyze endpoint.
type AnalyzeCall struct {
	Text          string
	Authorization string
}

// Received is an inbound realtime frame tagged with the session that sent it.
type Received struct {
	SessionID string
	Envelope  realtime.Envelope
}

// Server is a fake backend listening on a loopback httptest server.
type Server struct {
	URL string

	opts      Options
	http      *httptest.Server
	upgrader  websocket.Upgrader
	responses *chat.ResponseTable

	mu            sync.Mutex
	analyzeStatus int
	analyzeCalls  []AnalyzeCall
	handshakes    []Handshake
	received      []Received
	sessions      map[string]*session
	changed       chan struct{}
}

// New starts a backend and closes it when t finishes.
func New(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.SocketPath == "" {
		opts.SocketPath = "/socket"
	}
	if !strings.HasPrefix(opts.SocketPath, "/") {
		opts.SocketPath = "/" + opts.SocketPath
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 500 * time.Millisecond
	}

	s := &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		responses: chat.MustResponseTable(chat.DefaultResponses),
		sessions:  make(map[string]*session),
		changed:   make(chan struct{}),
	}
	s.http = httptest.NewServer(s.routes())
	s.URL = s.http.URL
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requireToken)

	r.Post("/api/analyze", s.handleAnalyze)
	r.Route(s.opts.SocketPath, func(sr chi.Router) {
		sr.Get("/websocket", s.handleWebSocket)
		sr.Post("/polling", s.handlePollingPost)
		sr.Get("/polling", s.handlePollingGet)
		sr.Delete("/polling", s.handlePollingDelete)
	})
	return r
}

// Close shuts down every session and the listener.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	s.http.CloseClientConnections()
	s.http.Close()
}

// FailAnalyze makes the analyze endpoint answer with status; 0 restores normal answers.
func (s *Server) FailAnalyze(status int) {
	s.mu.Lock()
	s.analyzeStatus = status
	s.mu.Unlock()
}

// AnalyzeCalls returns every analyze request seen so far.
func (s *Server) AnalyzeCalls() []AnalyzeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AnalyzeCall(nil), s.analyzeCalls...)
}

// Handshakes returns every realtime handshake seen so far.
func (s *Server) Handshakes() []Handshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Handshake(nil), s.handshakes...)
}

// Received returns every inbound realtime frame seen so far.
func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// ReceivedEvents returns the inbound frames whose event matches.
func (s *Server) ReceivedEvents(event realtime.Event) []realtime.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []realtime.Envelope
	for _, r := range s.received {
		if r.Envelope.Event == event {
			out = append(out, r.Envelope)
		}
	}
	return out
}

// WaitReceived blocks until count frames of event arrived or timeout passed.
func (s *Server) WaitReceived(event realtime.Event, count int, timeout time.Duration) []realtime.Envelope {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()

		if got := s.ReceivedEvents(event); len(got) >= count {
			return got
		}
		select {
		case <-changed:
		case <-deadline.C:
			return s.ReceivedEvents(event)
		}
	}
}

// Broadcast queues a frame for every open session.
func (s *Server) Broadcast(event realtime.Event, payload any) error {
	env, err := realtime.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.enqueue(env)
	}
	return nil
}

// DropSessions closes every realtime session from the server side.
func (s *Server) DropSessions() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

// SessionCount returns the number of open realtime sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// notifyLocked wakes every WaitReceived caller. s.mu must be held.
func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token != "" && requestToken(r) != s.opts.Token {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

type analyzeRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	s.analyzeCalls = append(s.analyzeCalls, AnalyzeCall{Text: req.Text, Authorization: r.Header.Get("Authorization")})
	status := s.analyzeStatus
	s.mu.Unlock()

	if status != 0 {
		utils.RespondError(w, status, "analysis unavailable")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "No text provided")
		return
	}
	utils.RespondJSON(w, http.StatusOK, emotion.Analyze(req.Text))
}
