package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/zhouzirui/emotibot/internal/model/chat"
	chatservice "github.com/zhouzirui/emotibot/internal/service/chat"
	"github.com/zhouzirui/emotibot/internal/service/realtime"
)

var (
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4")).Bold(true)
	botStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	emotionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7C3AED")).
			Padding(0, 1)
)

var emotionColors = map[string]lipgloss.Color{
	"happy":     lipgloss.Color("#F59E0B"),
	"sad":       lipgloss.Color("#3B82F6"),
	"angry":     lipgloss.Color("#EF4444"),
	"surprised": lipgloss.Color("#EC4899"),
	"fearful":   lipgloss.Color("#8B5CF6"),
	"neutral":   lipgloss.Color("#9CA3AF"),
}

// terminalRenderer 把聊天组件的变化输出到终端。
type terminalRenderer struct {
	mu  sync.Mutex
	out io.Writer
}

func newTerminalRenderer(out io.Writer) *terminalRenderer {
	return &terminalRenderer{out: out}
}

func (r *terminalRenderer) AppendMessage(msg chat.Message) {
	label := botStyle.Render("EmotiBot")
	if msg.Sender == chat.SenderUser {
		label = userStyle.Render("You")
	}
	r.println(fmt.Sprintf("%s %s %s", dimStyle.Render(msg.CreatedAt.Local().Format("15:04")), label, msg.Text))
}

func (r *terminalRenderer) ShowTypingIndicator() {
	r.println(dimStyle.Render("EmotiBot is typing..."))
}

func (r *terminalRenderer) RemoveTypingIndicator() {}

func (r *terminalRenderer) UpdateDisplay(d chatservice.Display) {
	style := emotionStyle
	if color, ok := emotionColors[d.CurrentEmotion]; ok {
		style = style.BorderForeground(color)
	}
	body := strings.Join([]string{
		fmt.Sprintf("emotion      %s", d.EmotionLabel),
		fmt.Sprintf("confidence   %s", d.Confidence),
		fmt.Sprintf("polarity     %s", d.Polarity),
		fmt.Sprintf("subjectivity %s", d.Subjectivity),
	}, "\n")
	r.println(style.Render(body))
}

func (r *terminalRenderer) notice(format string, args ...any) {
	r.println(dimStyle.Render(fmt.Sprintf(format, args...)))
}

func (r *terminalRenderer) failure(format string, args ...any) {
	r.println(errorStyle.Render("[Error]") + " " + fmt.Sprintf(format, args...))
}

func (r *terminalRenderer) analysis(prefix string, emotion string, confidence float64) {
	style := lipgloss.NewStyle()
	if color, ok := emotionColors[emotion]; ok {
		style = style.Foreground(color)
	}
	r.println(fmt.Sprintf("%s %s %s", dimStyle.Render(prefix), style.Render(emotion), dimStyle.Render(fmt.Sprintf("(%.0f%%)", confidence*100))))
}

func (r *terminalRenderer) status(state realtime.State) {
	r.notice("[realtime] %s", state)
}

func (r *terminalRenderer) println(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, line)
}
