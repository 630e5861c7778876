package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhouzirui/emotibot/internal/model/chat"
	"github.com/zhouzirui/emotibot/internal/model/emotion"
)

type analyzerFunc func(ctx context.Context, text string) (emotion.Result, error)

func (f analyzerFunc) Analyze(ctx context.Context, text string) (emotion.Result, error) {
	return f(ctx, text)
}

type recordingRenderer struct {
	mu       sync.Mutex
	events   []string
	displays []Display
	typing   int
}

func (r *recordingRenderer) AppendMessage(msg chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s:%s", msg.Sender, msg.Text))
}

func (r *recordingRenderer) ShowTypingIndicator() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing++
	r.events = append(r.events, "typing:show")
}

func (r *recordingRenderer) RemoveTypingIndicator() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing--
	r.events = append(r.events, "typing:remove")
}

func (r *recordingRenderer) UpdateDisplay(d Display) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.displays = append(r.displays, d)
	r.events = append(r.events, "display:"+d.CurrentEmotion)
}

func (r *recordingRenderer) snapshot() ([]string, []Display, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]Display(nil), r.displays...), r.typing
}

func newTestController(t *testing.T, analyzer Analyzer) (*Controller, *recordingRenderer) {
	t.Helper()
	renderer := &recordingRenderer{}
	c, err := NewController(Options{Analyzer: analyzer, Renderer: renderer})
	require.NoError(t, err)
	return c, renderer
}

func TestNewControllerRequiresAnalyzer(t *testing.T) {
	_, err := NewController(Options{})
	assert.ErrorIs(t, err, ErrAnalyzerRequired)
}

func TestSendMessageIgnoresBlankInput(t *testing.T) {
	var calls atomic.Int32
	c, renderer := newTestController(t, analyzerFunc(func(context.Context, string) (emotion.Result, error) {
		calls.Add(1)
		return emotion.Result{Emotion: "happy"}, nil
	}))

	for _, input := range []string{"", "   ", "\t\n "} {
		c.SetInput(input)
		assert.False(t, c.SendMessage(context.Background()))
	}
	c.Wait()

	assert.Empty(t, c.Messages())
	events, _, _ := renderer.snapshot()
	assert.Empty(t, events)
	assert.Equal(t, int32(0), calls.Load())
}

func TestSendMessageHappyPath(t *testing.T) {
	var gotText string
	c, renderer := newTestController(t, analyzerFunc(func(_ context.Context, text string) (emotion.Result, error) {
		gotText = text
		return emotion.Result{Emotion: "happy", Confidence: 0.92, Polarity: 0.8, Subjectivity: 0.6}, nil
	}))

	c.SetInput("  I am so happy today ")
	require.True(t, c.SendMessage(context.Background()))
	assert.Equal(t, "", c.Input())
	c.Wait()

	assert.Equal(t, "I am so happy today", gotText)

	display := c.Display()
	assert.Equal(t, "avatar happy", display.Avatar)
	assert.Equal(t, "happy", display.EmotionLabel)
	assert.Equal(t, "happy", display.CurrentEmotion)
	assert.Equal(t, "92%", display.Confidence)
	assert.Equal(t, "0.80", display.Polarity)
	assert.Equal(t, "0.60", display.Subjectivity)

	messages := c.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, chat.SenderUser, messages[0].Sender)
	assert.Equal(t, "I am so happy today", messages[0].Text)
	assert.Equal(t, chat.SenderBot, messages[1].Sender)
	assert.Contains(t, DefaultResponses["happy"], messages[1].Text)
	assert.NotEqual(t, messages[0].ID, messages[1].ID)

	events, displays, typing := renderer.snapshot()
	require.Len(t, displays, 1)
	assert.Equal(t, 0, typing)
	assert.Equal(t, []string{
		"user:I am so happy today",
		"typing:show",
		"display:happy",
		"typing:remove",
		"bot:" + messages[1].Text,
	}, events)
}

func TestSendMessageFailureAppendsApology(t *testing.T) {
	c, renderer := newTestController(t, analyzerFunc(func(context.Context, string) (emotion.Result, error) {
		return emotion.Result{}, errors.New("connection refused")
	}))

	c.SetInput("hello there")
	require.True(t, c.SendMessage(context.Background()))
	c.Wait()

	messages := c.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, chat.SenderBot, messages[1].Sender)
	assert.Equal(t, ApologyMessage, messages[1].Text)
	assert.Equal(t, Display{}, c.Display())

	events, displays, typing := renderer.snapshot()
	assert.Empty(t, displays)
	assert.Equal(t, 0, typing)
	assert.Equal(t, []string{
		"user:hello there",
		"typing:show",
		"typing:remove",
		"bot:" + ApologyMessage,
	}, events)
}

func TestOverlappingSendsCompleteInOrder(t *testing.T) {
	release := map[string]chan struct{}{
		"first":  make(chan struct{}),
		"second": make(chan struct{}),
	}
	var active, maxActive atomic.Int32
	c, _ := newTestController(t, analyzerFunc(func(_ context.Context, text string) (emotion.Result, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		<-release[text]
		if text == "first" {
			return emotion.Result{Emotion: "sad"}, nil
		}
		return emotion.Result{Emotion: "surprised"}, nil
	}))

	c.SetInput("first")
	require.True(t, c.SendMessage(context.Background()))
	c.SetInput("second")
	require.True(t, c.SendMessage(context.Background()))

	// 先放行第二个请求，它仍需等待第一个完成。
	close(release["second"])
	time.Sleep(20 * time.Millisecond)
	close(release["first"])
	c.Wait()

	messages := c.Messages()
	require.Len(t, messages, 4)
	assert.Equal(t, "first", messages[0].Text)
	assert.Equal(t, "second", messages[1].Text)
	assert.Contains(t, DefaultResponses["sad"], messages[2].Text)
	assert.Contains(t, DefaultResponses["surprised"], messages[3].Text)
	assert.Equal(t, "surprised", c.Display().CurrentEmotion)
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestUnknownEmotionUsesNeutralReplies(t *testing.T) {
	c, _ := newTestController(t, analyzerFunc(func(context.Context, string) (emotion.Result, error) {
		return emotion.Result{Emotion: "bored", Confidence: 0.4}, nil
	}))

	c.SetInput("meh")
	require.True(t, c.SendMessage(context.Background()))
	c.Wait()

	messages := c.Messages()
	require.Len(t, messages, 2)
	assert.Contains(t, DefaultResponses[emotion.Neutral], messages[1].Text)
	assert.Equal(t, "avatar bored", c.Display().Avatar)
}

func TestMessagesReturnsCopy(t *testing.T) {
	c, _ := newTestController(t, analyzerFunc(func(context.Context, string) (emotion.Result, error) {
		return emotion.Result{Emotion: "neutral"}, nil
	}))
	c.SetInput("hi")
	require.True(t, c.SendMessage(context.Background()))
	c.Wait()

	snapshot := c.Messages()
	snapshot[0].Text = "mutated"
	assert.Equal(t, "hi", c.Messages()[0].Text)
}
