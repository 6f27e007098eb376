package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/randutil"
	"github.com/pterm/pterm"

	"github.com/1ureka/saltshake/internal/client"
	"github.com/1ureka/saltshake/internal/config"
	"github.com/1ureka/saltshake/internal/endpoint"
	"github.com/1ureka/saltshake/internal/server"
	"github.com/1ureka/saltshake/internal/transport"
	"github.com/1ureka/saltshake/internal/util"
)

var (
	demoLoss     = 10
	demoDuration = 10 * time.Second
)

// runDemo drives one server and cfg.Demo clients on a lossy in-process
// network from a single goroutine, then prints the resulting slot table.
func runDemo(ctx context.Context, cfg config.Config) error {
	lo := transport.NewLoopback()
	rng := randutil.NewMathRandomGenerator()
	var dropped int
	lo.Intercept = func(_, _ endpoint.Endpoint, _ []byte) bool {
		if rng.Intn(100) < demoLoss {
			dropped++
			return false
		}
		return true
	}

	srvEP := endpoint.IPv4(10, 0, 0, 1, 40000)
	srvConn, err := lo.Listen(srvEP)
	if err != nil {
		return err
	}
	srv, err := server.New(transport.NewAdapter(srvConn), cfg.Server())
	if err != nil {
		return err
	}

	clients := make([]*client.Client, cfg.Demo)
	start := time.Now()
	for i := range clients {
		conn, err := lo.Listen(endpoint.IPv4(10, 0, 1, byte(i/250), uint16(50000+i%250)))
		if err != nil {
			return err
		}
		clients[i] = client.New(transport.NewAdapter(conn), client.WithConfig(cfg.Client()))
		if err := clients[i].Connect(srvEP, start); err != nil {
			return err
		}
	}
	util.LogInfo("demo: %d clients, %d slots, %d%% loss", cfg.Demo, cfg.MaxClients, demoLoss)

	ctx, cancel := context.WithTimeout(ctx, demoDuration)
	defer cancel()
	tickLoop(ctx, cfg.TickInterval, func(now time.Time) bool {
		for _, c := range clients {
			if c.State() == client.Disconnected {
				// Retry denied or timed-out clients, as a game would.
				c.Connect(srvEP, now)
			}
			c.Tick(now)
		}
		srv.Tick(now)
		return true
	})

	if err := renderDemo(clients); err != nil {
		return err
	}
	util.LogInfo("demo: server holds %d/%d slots, loopback dropped %d datagrams",
		srv.ConnectedCount(), srv.MaxClients(), dropped)

	for _, c := range clients {
		c.Disconnect(time.Now())
	}
	srv.Tick(time.Now())
	util.LogInfo("demo: %d slots held after disconnects", srv.ConnectedCount())
	return nil
}

func renderDemo(clients []*client.Client) error {
	data := pterm.TableData{{"Client", "State", "Slot", "Session salt"}}
	for i, c := range clients {
		slot, salt := "-", "-"
		if c.State() == client.Connected {
			slot = fmt.Sprint(c.Slot())
			salt = fmt.Sprintf("%016x", c.SessionSalt())
		}
		data = append(data, []string{fmt.Sprint(i), c.State().String(), slot, salt})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
