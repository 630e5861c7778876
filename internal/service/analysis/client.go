package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/emotibot/internal/model/emotion"
)

// ErrEmptyText is returned when Analyze is called with blank text.
var ErrEmptyText = errors.New("analysis text is empty")

// StatusError 表示分析接口返回了非 2xx 状态码。
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("analysis request failed with status %d", e.Code)
	}
	return fmt.Sprintf("analysis request failed with status %d: %s", e.Code, e.Body)
}

// Options 配置 HTTP 情绪分析客户端。
type Options struct {
	BaseURL     string
	AnalyzePath string
	AuthToken   string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client calls the request/response emotion analysis endpoint.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// NewClient 创建分析客户端。
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("analysis base url is required")
	}
	path := opts.AnalyzePath
	if path == "" {
		path = "/api/analyze"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		endpoint: base + path,
		token:    opts.AuthToken,
		http:     httpClient,
	}, nil
}

type analyzeRequest struct {
	Text string `json:"text"`
}

// Analyze posts text and decodes the emotion result.
func (c *Client) Analyze(ctx context.Context, text string) (emotion.Result, error) {
	if strings.TrimSpace(text) == "" {
		return emotion.Result{}, ErrEmptyText
	}

	body, err := json.Marshal(analyzeRequest{Text: text})
	if err != nil {
		return emotion.Result{}, fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return emotion.Result{}, fmt.Errorf("failed to build analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return emotion.Result{}, fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return emotion.Result{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var result emotion.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return emotion.Result{}, fmt.Errorf("failed to decode analysis response: %w", err)
	}
	if result.Emotion == "" {
		return emotion.Result{}, fmt.Errorf("analysis response missing emotion")
	}
	return result, nil
}
