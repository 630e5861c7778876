package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/peterh/liner"

	chatservice "github.com/zhouzirui/emotibot/internal/service/chat"
	"github.com/zhouzirui/emotibot/internal/service/realtime"
)

const helpText = `commands:
  /analyze <text>   analyze text over the realtime session
  /preview <text>   send a debounced live preview
  /join <room>      join a realtime room
  /status           show the realtime connection state
  /quit             exit`

// command 是一条解析后的斜杠命令。
type command struct {
	name string
	arg  string
}

// parseCommand splits "/name arg..." into its parts; ok is false for plain chat lines.
func parseCommand(input string) (command, bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return command{}, false
	}
	name, arg, _ := strings.Cut(input[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

// app 把控制器、实时会话与终端渲染连在一起。
type app struct {
	controller *chatservice.Controller
	session    *realtime.Manager
	renderer   *terminalRenderer
}

// handleLine processes one input line and reports whether the loop should continue.
func (a *app) handleLine(ctx context.Context, input string) bool {
	cmd, isCommand := parseCommand(input)
	if !isCommand {
		if a.session != nil {
			a.session.SetTyping(true)
		}
		a.controller.SetInput(input)
		a.controller.SendMessage(ctx)
		return true
	}

	switch cmd.name {
	case "quit", "exit", "q":
		return false
	case "help", "h", "?":
		a.renderer.notice("%s", helpText)
	case "status":
		if a.session == nil {
			a.renderer.notice("realtime session disabled")
			return true
		}
		a.renderer.status(a.session.State())
	case "analyze":
		if !a.requireSession() {
			return true
		}
		if cmd.arg == "" {
			a.renderer.failure("usage: /analyze <text>")
			return true
		}
		if err := a.session.AnalyzeEmotion(cmd.arg); err != nil {
			a.renderer.failure("%v", err)
		}
	case "preview":
		if a.requireSession() {
			a.session.SendLiveEmotionPreview(cmd.arg)
		}
	case "join":
		if !a.requireSession() {
			return true
		}
		if cmd.arg == "" {
			a.renderer.failure("usage: /join <room>")
			return true
		}
		a.session.JoinRoom(cmd.arg)
	default:
		a.renderer.failure("unknown command /%s (try /help)", cmd.name)
	}
	return true
}

func (a *app) requireSession() bool {
	if a.session == nil {
		a.renderer.failure("realtime session disabled")
		return false
	}
	return true
}

// runREPL reads lines until /quit, EOF, Ctrl+C or ctx is cancelled.
func (a *app) runREPL(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) []string {
		var out []string
		for _, name := range []string{"/analyze ", "/preview ", "/join ", "/status", "/quit", "/help"} {
			if strings.HasPrefix(name, input) {
				out = append(out, name)
			}
		}
		return out
	})

	a.renderer.notice("type a message, or /help for commands")
	for ctx.Err() == nil {
		input, err := line.Prompt(promptStyle.Render("emotibot> "))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		line.AppendHistory(input)

		if !a.handleLine(ctx, input) {
			return nil
		}
	}
	return nil
}
