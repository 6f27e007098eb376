package signaling

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/1ureka/saltshake/internal/endpoint"
	"github.com/1ureka/saltshake/internal/rtc"
	"github.com/1ureka/saltshake/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts WebSocket signaling sessions and attaches each negotiated
// peer to an rtc.Conn. A peer is addressed by the remote address of its
// WebSocket connection.
type Server struct {
	conn       *rtc.Conn
	pin        string
	iceServers []string

	ctx      context.Context
	listener net.Listener
	httpSrv  *http.Server
}

// NewServer returns a Server feeding conn. An empty pin disables the PIN
// check.
func NewServer(conn *rtc.Conn, pin string, iceServers []string) *Server {
	return &Server{conn: conn, pin: pin, iceServers: iceServers}
}

// Start listens on addr (port 0 picks one) and serves until ctx is
// cancelled or Close is called. It returns the bound port. Peers live under
// ctx, not under the request that created them.
func (s *Server) Start(ctx context.Context, addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start WS server: %w", err)
	}
	s.ctx = ctx
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("signaling server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.pin != "" && r.URL.Query().Get("pin") != s.pin {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	remote, err := endpoint.Parse(r.RemoteAddr)
	if err != nil {
		http.Error(w, "unusable remote address", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	util.LogDebug("signaling: %s connected", remote)

	peer, err := rtc.NewPeer(s.ctx, remote, s.iceServers)
	if err != nil {
		util.LogError("signaling: create peer for %s: %v", remote, err)
		return
	}

	ex := &exchange{peer: peer, ws: ws}
	if err := ex.run(s.ctx, true); err != nil {
		util.LogWarning("signaling: %s: %v", remote, err)
		peer.Close()
		return
	}
	if err := s.conn.Attach(peer); err != nil {
		peer.Close()
		return
	}
	util.LogInfo("signaling: data channel to %s open", remote)
}

// Close stops accepting signaling sessions. Attached peers stay up.
func (s *Server) Close() {
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
}

// Dial connects to a signaling server at wsURL, negotiates one peer, and
// returns an rtc.Conn holding it together with the endpoint the server is
// addressed by. The peer lives until ctx ends or the conn is closed.
func Dial(ctx context.Context, wsURL string, iceServers []string) (*rtc.Conn, endpoint.Endpoint, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, endpoint.Endpoint{}, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	defer ws.Close()

	remote, err := endpoint.Parse(ws.RemoteAddr().String())
	if err != nil {
		return nil, endpoint.Endpoint{}, err
	}
	local, err := endpoint.Parse(ws.LocalAddr().String())
	if err != nil {
		return nil, endpoint.Endpoint{}, err
	}

	peer, err := rtc.NewPeer(ctx, remote, iceServers)
	if err != nil {
		return nil, endpoint.Endpoint{}, fmt.Errorf("create peer: %w", err)
	}

	ex := &exchange{peer: peer, ws: ws}
	if err := ex.run(ctx, false); err != nil {
		peer.Close()
		return nil, endpoint.Endpoint{}, err
	}

	conn := rtc.NewConn(local)
	if err := conn.Attach(peer); err != nil {
		peer.Close()
		return nil, endpoint.Endpoint{}, err
	}
	util.LogDebug("signaling: data channel to %s open", remote)
	return conn, remote, nil
}

// NormalizeURL turns a host, host:port or URL into a ws(s)://host/ws URL,
// keeping any pin query parameter. A missing scheme means wss.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	out := url.URL{Scheme: scheme, Host: u.Host, Path: "/ws"}
	if pin := u.Query().Get("pin"); pin != "" {
		out.RawQuery = url.Values{"pin": {pin}}.Encode()
	}
	return out.String(), nil
}

// GeneratePIN returns a random numeric PIN of the given length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
