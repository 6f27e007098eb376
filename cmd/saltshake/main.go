// Saltshake: CLI entry point.
//
// This tool runs the salted handshake over UDP or over WebRTC DataChannels
// (signaled through WebSocket). It can act as the accepting server, as a
// single connecting client, or run an in-process demo of many clients
// against one server on a lossy loopback network.
//
// It can be launched interactively (no subcommand) or non-interactively via
// subcommands and flags. Every flag can also be set through a SALTSHAKE_
// environment variable, e.g. SALTSHAKE_MAX_CLIENTS=8.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/pterm/pterm"

	"github.com/1ureka/saltshake/internal/config"
	"github.com/1ureka/saltshake/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()
	envOpts := []ff.Option{ff.WithEnvVarPrefix("SALTSHAKE")}

	root := &ffcli.Command{
		ShortUsage: "saltshake [server|client|demo] [flags]",
		ShortHelp:  "Salted UDP connection handshake",
		FlagSet:    commonFlags("saltshake", &cfg),
		Options:    envOpts,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return flag.ErrHelp
			}
			return runInteractive(ctx, &cfg)
		},
		Subcommands: []*ffcli.Command{
			{
				Name:       "server",
				ShortUsage: "saltshake server [flags]",
				ShortHelp:  "Accept handshakes and keep connected clients alive",
				FlagSet:    serverFlags(&cfg),
				Options:    envOpts,
				Exec: func(ctx context.Context, args []string) error {
					cfg.Role = config.RoleServer
					return run(ctx, cfg)
				},
			},
			{
				Name:       "client",
				ShortUsage: "saltshake client [flags] <server-address | ws-url>",
				ShortHelp:  "Connect to a server and hold the session",
				FlagSet:    clientFlags(&cfg),
				Options:    envOpts,
				Exec: func(ctx context.Context, args []string) error {
					if len(args) == 1 {
						cfg.ServerAddr = args[0]
					} else if cfg.ServerAddr == "" {
						return flag.ErrHelp
					}
					cfg.Role = config.RoleClient
					return run(ctx, cfg)
				},
			},
			{
				Name:       "demo",
				ShortUsage: "saltshake demo [flags]",
				ShortHelp:  "Run a server and several clients in-process",
				FlagSet:    demoFlags(&cfg),
				Options:    envOpts,
				Exec: func(ctx context.Context, args []string) error {
					cfg.Role = config.RoleDemo
					return run(ctx, cfg)
				},
			},
		},
	}

	pterm.Info.Println(fmt.Sprintf("Saltshake v%s", version))
	pterm.Println()

	if err := root.ParseAndRun(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// run validates cfg and dispatches on its role.
func run(ctx context.Context, cfg config.Config) error {
	if cfg.Debug {
		util.EnableDebug()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	switch cfg.Role {
	case config.RoleServer:
		return runServer(ctx, cfg)
	case config.RoleClient:
		return runClient(ctx, cfg)
	default:
		return runDemo(ctx, cfg)
	}
}

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

func commonFlags(name string, cfg *config.Config) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	fs.DurationVar(&cfg.TickInterval, "tick", cfg.TickInterval, "Update loop interval")
	fs.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "Keepalive interval once connected")
	return fs
}

func transportFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.Func("transport", "Datagram transport: udp or rtc (default udp)", func(s string) error {
		cfg.Transport = config.TransportKind(strings.ToLower(s))
		return nil
	})
	fs.Func("stun", "Comma-separated STUN URLs for rtc (default Google STUN)", func(s string) error {
		cfg.STUN = splitList(s)
		return nil
	})
}

func serverFlags(cfg *config.Config) *flag.FlagSet {
	fs := commonFlags("server", cfg)
	transportFlags(fs, cfg)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "UDP bind address, or WS signaling address with -transport=rtc")
	fs.StringVar(&cfg.PIN, "pin", cfg.PIN, "Signaling PIN for rtc (default random)")
	fs.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "Connection slots")
	fs.IntVar(&cfg.MaxPending, "max-pending", cfg.MaxPending, "Concurrent pending handshakes (0 means max-clients)")
	fs.DurationVar(&cfg.SlotTimeout, "slot-timeout", cfg.SlotTimeout, "Silence before a connected client is evicted")
	fs.DurationVar(&cfg.PendingTimeout, "pending-timeout", cfg.PendingTimeout, "Age before a pending handshake is dropped")
	fs.Func("allow", "Comma-separated source prefixes or addresses allowed to connect", func(s string) error {
		cfg.AllowCIDRs = splitList(s)
		return nil
	})
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Serve Prometheus metrics on this address (e.g. :9100)")
	return fs
}

func clientFlags(cfg *config.Config) *flag.FlagSet {
	fs := commonFlags("client", cfg)
	transportFlags(fs, cfg)
	fs.StringVar(&cfg.ServerAddr, "server", cfg.ServerAddr, "Server UDP address, or WS URL with -transport=rtc")
	fs.DurationVar(&cfg.Retransmit, "retransmit", cfg.Retransmit, "Handshake retransmit interval")
	fs.DurationVar(&cfg.ClientTimeout, "timeout", cfg.ClientTimeout, "Silence before the attempt is abandoned")
	return fs
}

func demoFlags(cfg *config.Config) *flag.FlagSet {
	fs := commonFlags("demo", cfg)
	fs.IntVar(&cfg.Demo, "clients", cfg.Demo, "Simulated clients")
	fs.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "Server connection slots")
	fs.IntVar(&cfg.MaxPending, "max-pending", cfg.MaxPending, "Concurrent pending handshakes (0 means max-clients)")
	fs.IntVar(&demoLoss, "loss", demoLoss, "Percentage of datagrams the loopback network drops")
	fs.DurationVar(&demoDuration, "duration", demoDuration, "How long to run")
	return fs
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Interactive mode
// ---------------------------------------------------------------------------

// runInteractive asks for a role and its essentials when no subcommand is
// given.
func runInteractive(ctx context.Context, cfg *config.Config) error {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Server — Accept handshakes",
			"Client — Connect to a server",
			"Demo   — Server and clients in-process",
		}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	switch {
	case strings.HasPrefix(role, "Server"):
		cfg.Role = config.RoleServer
		cfg.Transport = askTransport()
		def := cfg.ListenAddr
		if cfg.Transport == config.TransportRTC {
			def = ":0"
		}
		cfg.ListenAddr = askText("Listen address", def)
	case strings.HasPrefix(role, "Client"):
		cfg.Role = config.RoleClient
		cfg.Transport = askTransport()
		prompt := "Server address (e.g. 203.0.113.7:40000)"
		if cfg.Transport == config.TransportRTC {
			prompt = "WebSocket URL (e.g. wss://***.devtunnels.ms/ws?pin=1234)"
		}
		cfg.ServerAddr = askText(prompt, "")
	default:
		cfg.Role = config.RoleDemo
	}

	for {
		err := cfg.Validate()
		if err == nil {
			break
		}
		util.LogWarning("%v", err)
		if cfg.Role == config.RoleClient {
			cfg.ServerAddr = askText("Server address", "")
		} else {
			cfg.ListenAddr = askText("Listen address", config.Default().ListenAddr)
		}
	}
	return run(ctx, *cfg)
}

func askTransport() config.TransportKind {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"udp — Plain UDP socket", "rtc — WebRTC DataChannel"}).
		WithDefaultText("Select transport").
		Show()
	pterm.Println()
	if strings.HasPrefix(choice, "rtc") {
		return config.TransportRTC
	}
	return config.TransportUDP
}

// askText prompts for one line. An empty answer selects def.
func askText(prompt, def string) string {
	if def != "" {
		prompt = fmt.Sprintf("%s [%s]", prompt, def)
	}
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText(prompt).
		Show()
	pterm.Println()
	if raw = strings.TrimSpace(raw); raw == "" {
		return def
	}
	return raw
}

// ---------------------------------------------------------------------------
// Update loop
// ---------------------------------------------------------------------------

// tickLoop calls tick every interval until ctx is done or tick reports
// false.
func tickLoop(ctx context.Context, interval time.Duration, tick func(now time.Time) bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !tick(time.Now()) {
				return
			}
		}
	}
}
