package chat

import (
	"errors"
	"math/rand/v2"

	"github.com/zhouzirui/emotibot/internal/model/emotion"
)

// ErrNeutralRepliesRequired 表示回复表缺少兜底的 neutral 列表。
var ErrNeutralRepliesRequired = errors.New("response table must contain neutral replies")

// DefaultResponses 是每种情绪的预设回复。
var DefaultResponses = map[string][]string{
	"happy": {
		"You seem happy! That's great to hear!",
		"Your positive energy is contagious!",
		"I'm glad things are going well for you!",
	},
	"sad": {
		"I'm sorry to hear you're feeling down.",
		"It's okay to feel sad sometimes. Is there anything I can help with?",
		"I'm here for you if you need someone to talk to.",
	},
	"angry": {
		"I understand you're frustrated right now.",
		"Let's take a deep breath together.",
		"I see you're upset. Would you like to talk about what's bothering you?",
	},
	"surprised": {
		"Wow! That is surprising!",
		"I didn't expect that either!",
		"That's quite a revelation!",
	},
	"fearful": {
		"It's okay to be worried, but remember you're not alone.",
		"I understand that can be scary. Let's think about it together.",
		"What specifically are you concerned about?",
	},
	emotion.Neutral: {
		"Thanks for sharing that with me.",
		"I understand what you're saying.",
		"Tell me more about that.",
	},
}

// ResponseTable picks a canned reply for an emotion. It is read-only after construction.
type ResponseTable struct {
	replies map[string][]string
	intn    func(n int) int
}

// NewResponseTable copies replies and validates the neutral fallback.
func NewResponseTable(replies map[string][]string) (*ResponseTable, error) {
	copied := make(map[string][]string, len(replies))
	for key, list := range replies {
		if len(list) == 0 {
			continue
		}
		copied[key] = append([]string(nil), list...)
	}
	if len(copied[emotion.Neutral]) == 0 {
		return nil, ErrNeutralRepliesRequired
	}
	return &ResponseTable{replies: copied, intn: rand.IntN}, nil
}

// MustResponseTable is NewResponseTable for tables known to be valid.
func MustResponseTable(replies map[string][]string) *ResponseTable {
	table, err := NewResponseTable(replies)
	if err != nil {
		panic(err)
	}
	return table
}

// Replies returns the candidate list used for emotionLabel.
func (t *ResponseTable) Replies(emotionLabel string) []string {
	list, ok := t.replies[emotionLabel]
	if !ok {
		list = t.replies[emotion.Neutral]
	}
	return append([]string(nil), list...)
}

// GenerateBotResponse picks uniformly from the emotion's list, falling back to neutral
// for emotions the table does not know.
func (t *ResponseTable) GenerateBotResponse(emotionLabel string) string {
	list, ok := t.replies[emotionLabel]
	if !ok {
		list = t.replies[emotion.Neutral]
	}
	return list[t.intn(len(list))]
}
