package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// PollingTransport is the long-polling fallback served at <socket path>/polling.
type PollingTransport struct {
	client *http.Client
}

// NewPollingTransport 创建长轮询传输。client 为空时使用不带整体超时的默认客户端，
// 单次轮询的等待时间由服务端控制。
func NewPollingTransport(client *http.Client) *PollingTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &PollingTransport{client: client}
}

// Name implements Transport.
func (t *PollingTransport) Name() string { return "polling" }

type pollingHandshake struct {
	SID string `json:"sid"`
}

// Dial opens a polling session and returns once the server assigned a sid.
func (t *PollingTransport) Dial(ctx context.Context, endpoint *url.URL, header http.Header) (Conn, error) {
	base := *endpoint
	base.Path = strings.TrimRight(base.Path, "/") + "/polling"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build polling handshake: %w", err)
	}
	copyHeader(req.Header, header)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling handshake failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polling handshake failed with status %d", resp.StatusCode)
	}

	var hs pollingHandshake
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return nil, fmt.Errorf("decode polling handshake: %w", err)
	}
	if hs.SID == "" {
		return nil, fmt.Errorf("polling handshake returned empty sid")
	}

	query := base.Query()
	query.Set("sid", hs.SID)
	base.RawQuery = query.Encode()

	return &pollingConn{
		client: t.client,
		url:    base.String(),
		header: header.Clone(),
		done:   make(chan struct{}),
	}, nil
}

type pollingConn struct {
	client *http.Client
	url    string
	header http.Header

	// pending 只由读取协程访问。
	pending []Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func (c *pollingConn) Send(ctx context.Context, env Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	copyHeader(req.Header, c.header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("polling send failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("polling send failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *pollingConn) Recv(ctx context.Context) (Envelope, error) {
	for len(c.pending) == 0 {
		batch, err := c.poll(ctx)
		if err != nil {
			return Envelope{}, err
		}
		c.pending = batch
	}

	env := c.pending[0]
	c.pending = c.pending[1:]
	return env, nil
}

func (c *pollingConn) poll(ctx context.Context) ([]Envelope, error) {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-pollCtx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(pollCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, c.header)

	resp, err := c.client.Do(req)
	if err != nil {
		select {
		case <-c.done:
			return nil, ErrConnClosed
		default:
		}
		return nil, fmt.Errorf("polling request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polling request failed with status %d", resp.StatusCode)
	}

	var batch []Envelope
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("decode polling batch: %w", err)
	}
	return batch, nil
}

func (c *pollingConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
		if reqErr != nil {
			err = reqErr
			return
		}
		copyHeader(req.Header, c.header)

		resp, doErr := c.client.Do(req)
		if doErr != nil {
			err = doErr
			return
		}
		resp.Body.Close()
	})
	return err
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
