package backendtest

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/emotibot/internal/analysis/emotion"
	"github.com/zhouzirui/emotibot/internal/service/realtime"
	"github.com/zhouzirui/emotibot/pkg/utils"
)

// minPreviewLength 以下的文本不做实时预览。
const minPreviewLength = 3

type session struct {
	id        string
	userID    string
	transport string

	mu     sync.Mutex
	queue  []realtime.Envelope
	notify chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(transport string) *session {
	return &session{
		id:        uuid.NewString(),
		userID:    uuid.NewString(),
		transport: transport,
		notify:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

func (s *session) enqueue(env realtime.Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// drain waits up to wait for queued frames; wait <= 0 waits until close or ctx.
func (s *session) drain(ctx context.Context, wait time.Duration) ([]realtime.Envelope, bool) {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			return batch, true
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.closed:
			return nil, false
		case <-ctx.Done():
			return nil, false
		case <-timeout:
			return []realtime.Envelope{}, true
		}
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Server) openSession(r *http.Request, transport string) *session {
	sess := newSession(transport)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.handshakes = append(s.handshakes, Handshake{
		Transport:     transport,
		Authorization: r.Header.Get("Authorization"),
		QueryToken:    r.URL.Query().Get("token"),
	})
	s.notifyLocked()
	s.mu.Unlock()

	log.Printf("[backendtest] %s session %s opened", transport, sess.id)
	s.emit(sess, realtime.EventConnectionResponse, realtime.ConnectionResponse{Status: "connected", UserID: sess.userID})
	return sess
}

func (s *Server) closeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	sess.close()
}

func (s *Server) lookupSession(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) emit(sess *session, event realtime.Event, payload any) {
	env, err := realtime.NewEnvelope(event, payload)
	if err != nil {
		log.Printf("[backendtest] encode %s: %v", event, err)
		return
	}
	sess.enqueue(env)
}

// handleFrame answers one client frame the way the EmotiBot server does.
func (s *Server) handleFrame(sess *session, env realtime.Envelope) {
	s.mu.Lock()
	s.received = append(s.received, Received{SessionID: sess.id, Envelope: env})
	s.notifyLocked()
	s.mu.Unlock()

	switch env.Event {
	case realtime.EventAnalyzeEmotion:
		var payload realtime.TextPayload
		_ = json.Unmarshal(env.Data, &payload)
		if strings.TrimSpace(payload.Text) == "" {
			s.emit(sess, realtime.EventError, realtime.ErrorPayload{Message: "Text is required"})
			return
		}
		result := emotion.Analyze(payload.Text)
		s.emit(sess, realtime.EventEmotionAnalysisResponse, realtime.EmotionAnalysis{
			Result:     result,
			BotMessage: s.responses.GenerateBotResponse(result.Emotion),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		})
	case realtime.EventLiveEmotionPreview:
		var payload realtime.TextPayload
		_ = json.Unmarshal(env.Data, &payload)
		if len([]rune(strings.TrimSpace(payload.Text))) < minPreviewLength {
			return
		}
		s.emit(sess, realtime.EventEmotionPreview, realtime.EmotionPreview{
			Result:    emotion.Analyze(payload.Text),
			IsPreview: true,
		})
	case realtime.EventTyping:
		var payload realtime.TypingPayload
		_ = json.Unmarshal(env.Data, &payload)
		s.emit(sess, realtime.EventUserTyping, realtime.TypingStatus{UserID: sess.userID, Typing: payload.Typing})
	case realtime.EventJoinRoom:
		var payload realtime.RoomPayload
		_ = json.Unmarshal(env.Data, &payload)
		if payload.Room == "" {
			return
		}
		s.emit(sess, realtime.EventRoomJoined, realtime.RoomJoined{Room: payload.Room, UserID: sess.userID})
	default:
		log.Printf("[backendtest] ignoring event %q", env.Event)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[backendtest] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sess := s.openSession(r, "websocket")
	defer s.closeSession(sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close()
		for {
			batch, ok := sess.drain(ctx, 0)
			if !ok {
				return
			}
			for _, env := range batch {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(env); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		// 服务端主动断开时关闭底层连接，打断下面的读取。
		select {
		case <-sess.closed:
			conn.Close()
		case <-writerDone:
		}
	}()

	for {
		var env realtime.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		s.handleFrame(sess, env)
	}
	cancel()
	<-writerDone
	log.Printf("[backendtest] websocket session %s closed", sess.id)
}

func (s *Server) handlePollingPost(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		sess := s.openSession(r, "polling")
		utils.RespondJSON(w, http.StatusOK, map[string]string{"sid": sess.id})
		return
	}

	sess, ok := s.lookupSession(sid)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "unknown session")
		return
	}

	var env realtime.Envelope
	if err := utils.DecodeJSON(r, &env); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.handleFrame(sess, env)
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePollingGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(r.URL.Query().Get("sid"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "unknown session")
		return
	}

	batch, open := sess.drain(r.Context(), s.opts.PollTimeout)
	if !open {
		utils.RespondError(w, http.StatusGone, "session closed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, batch)
}

func (s *Server) handlePollingDelete(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(r.URL.Query().Get("sid"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "unknown session")
		return
	}
	s.closeSession(sess)
	log.Printf("[backendtest] polling session %s closed", sess.id)
	w.WriteHeader(http.StatusNoContent)
}
