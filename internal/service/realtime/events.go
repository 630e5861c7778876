package realtime

import (
	"encoding/json"

	"github.com/zhouzirui/emotibot/internal/model/emotion"
)

// Event 是实时会话中的具名事件。
type Event string

// Outbound events (client → server).
const (
	EventAnalyzeEmotion     Event = "analyze_emotion"
	EventLiveEmotionPreview Event = "live_emotion_preview"
	EventTyping             Event = "typing"
	EventJoinRoom           Event = "join_room"
)

// Inbound events (server → client).
const (
	EventConnect                 Event = "connect"
	EventDisconnect              Event = "disconnect"
	EventError                   Event = "error"
	EventConnectError            Event = "connect_error"
	EventEmotionAnalysisResponse Event = "emotion_analysis_response"
	EventEmotionPreview          Event = "emotion_preview"
	EventUserTyping              Event = "user_typing"
	EventConnectionResponse      Event = "connection_response"
	EventRoomJoined              Event = "room_joined"
)

// Envelope 是两种传输方式共用的帧格式。
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event Event, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = data
	return env, nil
}

// TextPayload is sent with analyze_emotion and live_emotion_preview.
type TextPayload struct {
	Text string `json:"text"`
}

// TypingPayload is sent with typing.
type TypingPayload struct {
	Typing bool `json:"typing"`
}

// RoomPayload is sent with join_room.
type RoomPayload struct {
	Room string `json:"room"`
}

// EmotionAnalysis 对应 emotion_analysis_response。
type EmotionAnalysis struct {
	emotion.Result
	BotMessage string `json:"bot_message,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// EmotionPreview 对应 emotion_preview。
type EmotionPreview struct {
	emotion.Result
	IsPreview bool `json:"is_preview"`
}

// TypingStatus 对应 user_typing。
type TypingStatus struct {
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// ConnectionResponse 对应 connection_response。
type ConnectionResponse struct {
	Status string `json:"status"`
	UserID string `json:"user_id"`
}

// RoomJoined 对应 room_joined。
type RoomJoined struct {
	Room   string `json:"room"`
	UserID string `json:"user_id"`
}

// ErrorPayload is carried by error and connect_error frames.
type ErrorPayload struct {
	Message string `json:"message"`
}
