package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"

	"github.com/1ureka/saltshake/internal/client"
	"github.com/1ureka/saltshake/internal/config"
	"github.com/1ureka/saltshake/internal/endpoint"
	"github.com/1ureka/saltshake/internal/metrics"
	"github.com/1ureka/saltshake/internal/rtc"
	"github.com/1ureka/saltshake/internal/server"
	"github.com/1ureka/saltshake/internal/signaling"
	"github.com/1ureka/saltshake/internal/transport"
	"github.com/1ureka/saltshake/internal/util"
)

const statsInterval = 5 * time.Second

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

func runServer(ctx context.Context, cfg config.Config) error {
	conn, err := openServerConn(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []server.Option{
		server.WithMetrics(metrics.New(reg, "saltshake")),
		server.WithPayloadHandler(func(slot int, data []byte) {
			util.LogInfo("slot %d: %d payload bytes", slot, len(data))
		}),
	}
	allow, err := cfg.AllowList()
	if err != nil {
		return err
	}
	if allow != nil {
		opts = append(opts, server.WithAllowList(allow))
	}

	srv, err := server.New(transport.NewAdapter(conn), cfg.Server(), opts...)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, reg)
	}
	util.StartStatsReporter(ctx, statsInterval)
	util.LogSuccess("server listening on %s (%s), %d slots", conn.LocalEndpoint(), cfg.Transport, srv.MaxClients())

	connected := 0
	tickLoop(ctx, cfg.TickInterval, func(now time.Time) bool {
		srv.Tick(now)
		if n := srv.ConnectedCount(); n != connected {
			util.LogInfo("%d/%d clients connected, %d pending", n, srv.MaxClients(), srv.PendingCount())
			connected = n
		}
		return true
	})

	util.LogInfo("server stopped")
	return nil
}

// openServerConn binds the configured transport. For rtc it starts the
// signaling server and prints how to reach it.
func openServerConn(ctx context.Context, cfg config.Config) (transport.PacketConn, error) {
	if cfg.Transport == config.TransportUDP {
		return transport.ListenUDP(cfg.ListenAddr)
	}

	local, err := listenEndpoint(cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	pin := cfg.PIN
	if pin == "" {
		pin = signaling.GeneratePIN(6)
	}

	conn := rtc.NewConn(local)
	sig := signaling.NewServer(conn, pin, stunServers(cfg))
	port, err := sig.Start(ctx, cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	pterm.DefaultBox.WithTitle("WebSocket Signaling Server").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s\nURL  : ws://<host>:%d/ws?pin=%s", port, pin, port, pin))
	pterm.Println()
	return conn, nil
}

// listenEndpoint turns a bind address such as ":8080" into the endpoint
// the rtc conn identifies itself by.
func listenEndpoint(addr string) (endpoint.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("invalid listen address: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("invalid listen port: %w", err)
	}
	ip := netip.IPv4Unspecified()
	if host != "" {
		if ip, err = netip.ParseAddr(host); err != nil {
			return endpoint.Endpoint{}, fmt.Errorf("invalid listen host: %w", err)
		}
	}
	return endpoint.New(ip, uint16(port)), nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	hs := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		hs.Close()
	}()

	util.LogInfo("metrics on http://%s/metrics", addr)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.LogError("metrics server: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

func runClient(ctx context.Context, cfg config.Config) error {
	conn, serverEP, err := openClientConn(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	c := client.New(transport.NewAdapter(conn),
		client.WithConfig(cfg.Client()),
		client.WithStateHook(func(from, to client.State) {
			util.LogInfo("state %s -> %s", from, to)
		}),
		client.WithPayloadHandler(func(data []byte) {
			util.LogInfo("received %d payload bytes", len(data))
		}),
	)
	if err := c.Connect(serverEP, time.Now()); err != nil {
		return err
	}
	util.StartStatsReporter(ctx, statsInterval)

	var finalErr error
	wasConnected := false
	tickLoop(ctx, cfg.TickInterval, func(now time.Time) bool {
		c.Tick(now)
		switch c.State() {
		case client.Connected:
			wasConnected = true
		case client.Disconnected:
			if wasConnected {
				finalErr = errors.New("session with server ended")
			} else {
				finalErr = errors.New("handshake failed")
			}
			return false
		}
		return true
	})

	if c.State() != client.Disconnected {
		c.Disconnect(time.Now())
	}
	if finalErr == nil {
		util.LogInfo("disconnected")
	}
	return finalErr
}

func openClientConn(ctx context.Context, cfg config.Config) (transport.PacketConn, endpoint.Endpoint, error) {
	if cfg.Transport == config.TransportRTC {
		wsURL, err := signaling.NormalizeURL(cfg.ServerAddr)
		if err != nil {
			return nil, endpoint.Endpoint{}, err
		}
		util.LogInfo("connecting to signaling server %s", wsURL)
		conn, serverEP, err := signaling.Dial(ctx, wsURL, stunServers(cfg))
		if err != nil {
			return nil, endpoint.Endpoint{}, err
		}
		return conn, serverEP, nil
	}

	serverEP, err := endpoint.Parse(cfg.ServerAddr)
	if err != nil {
		return nil, endpoint.Endpoint{}, err
	}
	conn, err := transport.ListenUDP(":0")
	if err != nil {
		return nil, endpoint.Endpoint{}, err
	}
	return conn, serverEP, nil
}

func stunServers(cfg config.Config) []string {
	if len(cfg.STUN) > 0 {
		return cfg.STUN
	}
	return rtc.DefaultSTUNServers
}
