package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Kind identifies a transport implementation.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindWebSocket Kind = "ws"
)

const defaultDialTimeout = 10 * time.Second

// ErrUnknownTransport is returned by NewTransport for unsupported kinds.
var ErrUnknownTransport = errors.New("unknown transport")

// Link is an established transport connection.
type Link interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Events are the registration points a Transport reports an attempt through.
// Exactly one of OnSuccess or OnFailure is called. OnClose is called at most
// once, and only after OnSuccess.
type Events struct {
	OnSuccess func(Link)
	OnFailure func(error)
	OnClose   func(error)
}

// Transport opens links to endpoints.
type Transport interface {
	// Kind returns the transport identifier.
	Kind() Kind

	// Open starts a connection attempt and returns immediately. The outcome is
	// reported through ev from another goroutine.
	Open(ctx context.Context, ep Endpoint, ev Events)
}

// KindFor maps a transport or URL scheme name to its Kind. An empty name is
// TCP.
func KindFor(name string) (Kind, error) {
	switch strings.ToLower(name) {
	case "tcp", "":
		return KindTCP, nil
	case "ws", "wss", "http", "https":
		return KindWebSocket, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}
}

// NewTransport returns the transport for the given kind.
func NewTransport(kind Kind) (Transport, error) {
	k, err := KindFor(string(kind))
	if err != nil {
		return nil, err
	}
	if k == KindWebSocket {
		return &WebSocketTransport{}, nil
	}
	return &TCPTransport{}, nil
}

// TransportsWithTimeout returns a TransportFactory whose transports give up on
// a dial or handshake after timeout. The attempt then fails rather than being
// cancelled. A non-positive timeout keeps the transport default.
func TransportsWithTimeout(timeout time.Duration) TransportFactory {
	return func(kind Kind) (Transport, error) {
		tr, err := NewTransport(kind)
		if err != nil || timeout <= 0 {
			return tr, err
		}
		switch t := tr.(type) {
		case *TCPTransport:
			t.Timeout = timeout
		case *WebSocketTransport:
			t.HandshakeTimeout = timeout
		}
		return tr, nil
	}
}

// Endpoint describes where to connect.
type Endpoint struct {
	Kind Kind
	Host string
	Port int
	// URL is the full address for WebSocket endpoints.
	URL string
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	if e.URL != "" {
		return e.URL
	}
	return string(e.Kind) + "://" + e.Address()
}

// ParseEndpoint parses host, host:port, tcp://host:port, ws://host[:port]/path
// or wss://host[:port]/path. Plain hosts default to port 80. A TCP endpoint
// carries no path or query.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}

	if !strings.Contains(s, "://") {
		s = "tcp://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q has no host", s)
	}

	kind, err := KindFor(u.Scheme)
	if err != nil || u.Scheme == "" {
		return Endpoint{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	ep := Endpoint{Kind: kind, Host: u.Hostname()}
	defaultPort := 80
	if u.Scheme == "wss" || u.Scheme == "https" {
		defaultPort = 443
	}
	if kind == KindTCP && ((u.Path != "" && u.Path != "/") || u.RawQuery != "") {
		return Endpoint{}, fmt.Errorf("tcp endpoint %q cannot have a path or query", s)
	}

	ep.Port = defaultPort
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("invalid port %q", p)
		}
		ep.Port = port
	}

	if ep.Kind == KindWebSocket {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
		ep.URL = u.String()
	}
	return ep, nil
}

// TCPTransport dials plain TCP connections.
type TCPTransport struct {
	// Timeout bounds the dial. Zero means 10s.
	Timeout time.Duration
}

// Kind implements Transport.
func (t *TCPTransport) Kind() Kind { return KindTCP }

// Open implements Transport.
func (t *TCPTransport) Open(ctx context.Context, ep Endpoint, ev Events) {
	timeout := t.Timeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}

	go func() {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", ep.Address())
		if err != nil {
			ev.OnFailure(err)
			return
		}
		ev.OnSuccess(newNotifyLink(conn, conn.RemoteAddr(), ev.OnClose))
	}()
}

// WebSocketTransport dials WebSocket endpoints and exposes binary frames as a
// byte stream.
type WebSocketTransport struct {
	// HandshakeTimeout bounds the opening handshake. Zero means 10s.
	HandshakeTimeout time.Duration
}

// Kind implements Transport.
func (t *WebSocketTransport) Kind() Kind { return KindWebSocket }

// Open implements Transport.
func (t *WebSocketTransport) Open(ctx context.Context, ep Endpoint, ev Events) {
	timeout := t.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	target := ep.URL
	if target == "" {
		target = "ws://" + ep.Address() + "/"
	}

	go func() {
		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		conn, resp, err := dialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil {
				err = fmt.Errorf("websocket handshake failed: %s: %w", resp.Status, err)
			}
			ev.OnFailure(err)
			return
		}
		ev.OnSuccess(newNotifyLink(&wsStream{conn: conn}, conn.RemoteAddr(), ev.OnClose))
	}()
}

// wsStream adapts a websocket.Conn to io.ReadWriteCloser.
type wsStream struct {
	conn   *websocket.Conn
	reader io.Reader
	wmu    sync.Mutex
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			messageType, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
				continue
			}
			s.reader = r
		}

		n, err := s.reader.Read(p)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.wmu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.wmu.Unlock()
	return s.conn.Close()
}

// notifyLink reports the first read failure or local close through onClose.
type notifyLink struct {
	rwc     io.ReadWriteCloser
	remote  net.Addr
	onClose func(error)
	once    sync.Once
}

func newNotifyLink(rwc io.ReadWriteCloser, remote net.Addr, onClose func(error)) *notifyLink {
	return &notifyLink{rwc: rwc, remote: remote, onClose: onClose}
}

func (l *notifyLink) fire(err error) {
	l.once.Do(func() {
		if l.onClose != nil {
			l.onClose(err)
		}
	})
}

func (l *notifyLink) Read(p []byte) (int, error) {
	n, err := l.rwc.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			l.fire(nil)
		} else {
			l.fire(err)
		}
	}
	return n, err
}

func (l *notifyLink) Write(p []byte) (int, error) {
	return l.rwc.Write(p)
}

func (l *notifyLink) Close() error {
	err := l.rwc.Close()
	l.fire(nil)
	return err
}

func (l *notifyLink) RemoteAddr() net.Addr {
	return l.remote
}
