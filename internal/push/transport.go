package push

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

type TransportKind string

const (
	WebSockets  TransportKind = "WebSockets"
	LongPolling TransportKind = "LongPolling"
)

// ParseTransports maps configured names onto transport kinds, keeping order.
// Names are case-insensitive.
func ParseTransports(names []string) ([]TransportKind, error) {
	if len(names) == 0 {
		return []TransportKind{WebSockets, LongPolling}, nil
	}
	out := make([]TransportKind, 0, len(names))
	for _, name := range names {
		switch {
		case strings.EqualFold(name, string(WebSockets)):
			out = append(out, WebSockets)
		case strings.EqualFold(name, string(LongPolling)):
			out = append(out, LongPolling)
		default:
			return nil, fmt.Errorf("unknown transport %q", name)
		}
	}
	return out, nil
}

// Conn is one established transport. Receive returns whole frames; a frame may
// hold more than one record.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

type Transport interface {
	Kind() TransportKind
	Dial(ctx context.Context, endpoint *url.URL, header http.Header) (Conn, error)
}

// websockets

const wsReadLimit = 8 << 20

type wsTransport struct {
	httpClient *http.Client
}

func (wsTransport) Kind() TransportKind { return WebSockets }

func (t wsTransport) Dial(ctx context.Context, endpoint *url.URL, header http.Header) (Conn, error) {
	u := *endpoint
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	c, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	c.SetReadLimit(wsReadLimit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		if s := websocket.CloseStatus(err); s != -1 {
			return nil, fmt.Errorf("%w: websocket status %d", ErrServerClosed, s)
		}
		return nil, err
	}
	return data, nil
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// long polling

type longPollTransport struct {
	httpClient *http.Client
}

func (longPollTransport) Kind() TransportKind { return LongPolling }

// Dial issues the first poll, which the hub answers immediately. It is how the
// hub confirms the connection token before any data flows.
func (t longPollTransport) Dial(ctx context.Context, endpoint *url.URL, header http.Header) (Conn, error) {
	cctx, cancel := context.WithCancel(context.Background())
	c := &lpConn{
		httpClient: t.httpClient,
		endpoint:   endpoint.String(),
		header:     header,
		ctx:        cctx,
		cancel:     cancel,
	}
	if _, err := c.poll(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("long polling start: %w", err)
	}
	return c, nil
}

type lpConn struct {
	httpClient *http.Client
	endpoint   string
	header     http.Header
	ctx        context.Context // ends on Close
	cancel     context.CancelFunc
}

func (c *lpConn) Receive(ctx context.Context) ([]byte, error) {
	for {
		body, err := c.poll(ctx)
		if err != nil {
			return nil, err
		}
		if len(body) > 0 {
			return body, nil
		}
	}
}

func (c *lpConn) poll(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	req, err := c.request(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNoContent:
		return nil, fmt.Errorf("%w: poll returned 204", ErrServerClosed)
	default:
		return nil, fmt.Errorf("poll: status %d", resp.StatusCode)
	}
}

func (c *lpConn) Send(ctx context.Context, data []byte) error {
	req, err := c.request(ctx, http.MethodPost, data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send: status %d", resp.StatusCode)
	}
	return nil
}

// Close ends any poll in flight and tells the hub to drop the connection.
func (c *lpConn) Close() error {
	if c.ctx.Err() != nil {
		return nil
	}
	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := c.request(ctx, http.MethodDelete, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *lpConn) request(ctx context.Context, method string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint, r)
	if err != nil {
		return nil, err
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	return req, nil
}
