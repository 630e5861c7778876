package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/emotibot/internal/model/chat"
	"github.com/zhouzirui/emotibot/internal/model/emotion"
)

// ApologyMessage is appended instead of a canned reply when analysis fails.
const ApologyMessage = "I'm sorry, I couldn't process that. Could you try again?"

var ErrAnalyzerRequired = errors.New("chat controller requires an analyzer")

// Analyzer 执行一次请求/响应式的情绪分析。
type Analyzer interface {
	Analyze(ctx context.Context, text string) (emotion.Result, error)
}

// Renderer receives every visible change of the widget. Calls are serialized and must
// not call back into SendMessage.
type Renderer interface {
	AppendMessage(msg chat.Message)
	ShowTypingIndicator()
	RemoveTypingIndicator()
	UpdateDisplay(d Display)
}

// NopRenderer discards all rendering.
type NopRenderer struct{}

func (NopRenderer) AppendMessage(chat.Message) {}
func (NopRenderer) ShowTypingIndicator()       {}
func (NopRenderer) RemoveTypingIndicator()     {}
func (NopRenderer) UpdateDisplay(Display)      {}

// Options 配置聊天控制器。
type Options struct {
	Analyzer  Analyzer
	Renderer  Renderer
	Responses *ResponseTable
}

// Controller owns the input field, the transcript and the emotion panel of one widget.
type Controller struct {
	analyzer  Analyzer
	renderer  Renderer
	responses *ResponseTable

	mu       sync.Mutex
	input    string
	messages []chat.Message
	display  Display
	// tail 在最近一次发送完成时关闭，后续发送排在其后。
	tail chan struct{}

	renderMu sync.Mutex
	inflight sync.WaitGroup
}

// NewController wires a controller; Renderer and Responses fall back to no-op rendering
// and DefaultResponses.
func NewController(opts Options) (*Controller, error) {
	if opts.Analyzer == nil {
		return nil, ErrAnalyzerRequired
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = NopRenderer{}
	}
	responses := opts.Responses
	if responses == nil {
		responses = MustResponseTable(DefaultResponses)
	}
	return &Controller{
		analyzer:  opts.Analyzer,
		renderer:  renderer,
		responses: responses,
		messages:  make([]chat.Message, 0, 16),
	}, nil
}

// SetInput replaces the pending input text.
func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	c.input = text
	c.mu.Unlock()
}

// Input returns the pending input text.
func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// SendMessage submits the pending input. It returns false without side effects when the
// trimmed input is empty. Otherwise the user message is appended and the input cleared
// before it returns; the analysis and the bot reply complete asynchronously, in send order.
func (c *Controller) SendMessage(ctx context.Context) bool {
	c.renderMu.Lock()
	defer c.renderMu.Unlock()

	c.mu.Lock()
	text := strings.TrimSpace(c.input)
	if text == "" {
		c.mu.Unlock()
		return false
	}
	c.input = ""
	msg := c.appendLocked(chat.SenderUser, text)
	prev := c.tail
	done := make(chan struct{})
	c.tail = done
	c.inflight.Add(1)
	c.mu.Unlock()

	c.renderer.AppendMessage(msg)
	c.renderer.ShowTypingIndicator()

	go func() {
		defer c.inflight.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		result, err := c.analyzer.Analyze(ctx, text)
		c.complete(result, err)
	}()
	return true
}

// Wait blocks until every accepted send has been completed.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// Messages returns a snapshot of the transcript.
func (c *Controller) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make([]chat.Message, len(c.messages))
	copy(copied, c.messages)
	return copied
}

// Display returns the current emotion panel; zero until the first successful analysis.
func (c *Controller) Display() Display {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.display
}

// GenerateBotResponse picks a canned reply for emotionLabel.
func (c *Controller) GenerateBotResponse(emotionLabel string) string {
	return c.responses.GenerateBotResponse(emotionLabel)
}

func (c *Controller) complete(result emotion.Result, err error) {
	// 转录与渲染在同一把锁下推进，两者顺序一致。
	c.renderMu.Lock()
	defer c.renderMu.Unlock()

	if err != nil {
		log.Printf("[chat] emotion analysis failed: %v", err)
		c.mu.Lock()
		msg := c.appendLocked(chat.SenderBot, ApologyMessage)
		c.mu.Unlock()

		c.renderer.RemoveTypingIndicator()
		c.renderer.AppendMessage(msg)
		return
	}

	display := UpdateEmotionDisplay(result)
	reply := c.responses.GenerateBotResponse(result.Emotion)

	c.mu.Lock()
	c.display = display
	msg := c.appendLocked(chat.SenderBot, reply)
	c.mu.Unlock()

	c.renderer.UpdateDisplay(display)
	c.renderer.RemoveTypingIndicator()
	c.renderer.AppendMessage(msg)
}

func (c *Controller) appendLocked(sender chat.Sender, text string) chat.Message {
	msg := chat.Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	c.messages = append(c.messages, msg)
	return msg
}
