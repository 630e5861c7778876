package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/emotibot/internal/config"
	"github.com/zhouzirui/emotibot/internal/service/analysis"
	chatservice "github.com/zhouzirui/emotibot/internal/service/chat"
	"github.com/zhouzirui/emotibot/internal/service/realtime"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	serverURL := flag.String("url", cfg.Server.BaseURL, "EmotiBot server base URL")
	token := flag.String("token", cfg.Server.AuthToken, "auth token sent to the server")
	room := flag.String("room", cfg.Realtime.Room, "realtime room to join after connecting")
	noRealtime := flag.Bool("no-realtime", !cfg.Realtime.Enabled, "disable the realtime session")
	verbose := flag.Bool("v", false, "print client logs to stderr")
	flag.Parse()

	renderer := newTerminalRenderer(os.Stdout)

	analyzer, err := analysis.NewClient(analysis.Options{
		BaseURL:     *serverURL,
		AnalyzePath: cfg.Server.AnalyzePath,
		AuthToken:   *token,
		Timeout:     cfg.Server.RequestTimeout,
	})
	if err != nil {
		log.Fatalf("failed to create analysis client: %v", err)
	}

	controller, err := chatservice.NewController(chatservice.Options{
		Analyzer: analyzer,
		Renderer: renderer,
	})
	if err != nil {
		log.Fatalf("failed to create chat controller: %v", err)
	}

	a := &app{controller: controller, renderer: renderer}

	if !*noRealtime {
		session, err := newRealtimeSession(cfg.Realtime, *serverURL, *token, *room, renderer)
		if err != nil {
			log.Fatalf("failed to create realtime session: %v", err)
		}
		a.session = session
	}

	// 交互模式下日志会打断输入行，默认关闭。
	if !*verbose {
		log.SetOutput(io.Discard)
	}

	if a.session != nil {
		a.session.Connect(ctx)
		defer a.session.Disconnect()
	}

	if err := a.runREPL(ctx); err != nil {
		log.Printf("repl error: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	waitForReplies(waitCtx, controller)
}

func newRealtimeSession(cfg config.RealtimeConfig, serverURL, token, room string, renderer *terminalRenderer) (*realtime.Manager, error) {
	transports, err := realtime.TransportsByName(cfg.Transports, realtime.DefaultWebSocketOptions(), &http.Client{})
	if err != nil {
		return nil, err
	}

	var session *realtime.Manager
	session, err = realtime.NewManager(realtime.Config{
		URL:             serverURL,
		SocketPath:      cfg.SocketPath,
		AuthToken:       token,
		Transports:      transports,
		PreviewDebounce: cfg.PreviewDebounce,
		TypingTimeout:   cfg.TypingTimeout,
		Callbacks: realtime.Callbacks{
			OnConnect: func() {
				if strings.TrimSpace(room) != "" {
					session.JoinRoom(room)
				}
			},
			OnError: func(err error) {
				renderer.failure("realtime: %v", err)
			},
			OnEmotionAnalysis: func(a realtime.EmotionAnalysis) {
				renderer.analysis("[analysis]", a.Emotion, a.Confidence)
				if a.BotMessage != "" {
					renderer.notice("[server] %s", a.BotMessage)
				}
			},
			OnEmotionPreview: func(p realtime.EmotionPreview) {
				renderer.analysis("[preview]", p.Emotion, p.Confidence)
			},
			OnConnectionStatus: renderer.status,
		},
	})
	return session, err
}

// waitForReplies 在退出前等待进行中的分析请求完成。
func waitForReplies(ctx context.Context, controller *chatservice.Controller) {
	done := make(chan struct{})
	go func() {
		controller.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
