// mtunnel carries IP multicast over a TCP tunnel.
//
// In server mode it listens for clients and joins multicast groups on their
// behalf. In client mode it connects to a server, asks it to join groups and
// receives their datagrams through the tunnel.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"

	"github.com/js-labs/mtunnel/internal/client"
	"github.com/js-labs/mtunnel/internal/config"
	"github.com/js-labs/mtunnel/internal/logger"
	"github.com/js-labs/mtunnel/internal/netifaces"
	"github.com/js-labs/mtunnel/internal/relay"
)

type cli struct {
	Server        string   `short:"s" placeholder:"ADDR:PORT|PORT" help:"Server mode: port to listen on. Client mode: address of the server."`
	Group         []string `short:"g" placeholder:"GROUP:PORT" help:"Multicast group to join through the server (client mode, repeatable)."`
	Interface     string   `short:"i" help:"Interface name, address or CIDR to join groups on (server) or emit on (client)."`
	Config        string   `short:"c" type:"existingfile" help:"TOML configuration file. Command line flags take precedence."`
	PingInterval  *int     `placeholder:"SECONDS" help:"Keepalive ping interval, 0 disables (default 5)."`
	DeadAfter     *int     `placeholder:"SECONDS" help:"Close a tunnel that received nothing for this long, 0 disables (default 15)."`
	SendQueue     *int     `placeholder:"FRAMES" help:"Frames queued per tunnel before datagrams are dropped (default 256)."`
	MetricsListen string   `placeholder:"ADDR:PORT" help:"Serve Prometheus metrics on this address (server mode)."`
	Emit          bool     `help:"Re-send received datagrams to their group on the local network (client mode)."`
	EmitTTL       *int     `name:"emit-ttl" placeholder:"TTL" help:"Multicast TTL of emitted datagrams (default 1)."`
	Logfile       string   `help:"Save logs to this file."`
	Syslog        bool     `help:"Log to syslog."`
	Verbose       bool     `short:"v" help:"Enable verbose output."`
	Debug         bool     `help:"Enable debug output."`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var params cli
	parser, err := kong.New(&params,
		kong.Name("mtunnel"),
		kong.Description("Multicast tunneling relay."),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mtunnel: %s\n", err)
		return 2
	}
	if _, err := parser.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "mtunnel: %s\n", err)
		return 2
	}

	cfg, err := buildConfig(params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mtunnel: %s\n", err)
		return 1
	}
	spec, _ := config.ParseServerSpec(cfg.Server)

	log, err := logger.New(logger.Options{
		Foreground: cfg.Logfile == "" && !cfg.Syslog,
		Syslog:     cfg.Syslog,
		Logfile:    cfg.Logfile,
		Verbose:    cfg.Verbose,
		Debug:      cfg.Debug,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %s\n", err)
		return 1
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if spec.Mode == config.ModeServer {
		return runServer(ctx, cfg, spec, log)
	}
	return runClient(ctx, cfg, spec, log)
}

// buildConfig layers the configuration file and then the explicitly given
// flags over the defaults, and validates the result.
func buildConfig(params cli) (config.Config, error) {
	cfg := config.Default()
	if params.Config != "" {
		if err := config.Load(params.Config, &cfg); err != nil {
			return config.Config{}, err
		}
	}

	if params.Server != "" {
		cfg.Server = params.Server
	}
	if len(params.Group) > 0 {
		cfg.Groups = params.Group
	}
	if params.Interface != "" {
		cfg.Interface = params.Interface
	}
	if params.PingInterval != nil {
		cfg.PingInterval = *params.PingInterval
	}
	if params.DeadAfter != nil {
		cfg.DeadAfter = *params.DeadAfter
	}
	if params.SendQueue != nil {
		cfg.SendQueue = *params.SendQueue
	}
	if params.MetricsListen != "" {
		cfg.MetricsListen = params.MetricsListen
	}
	if params.EmitTTL != nil {
		cfg.EmitTTL = *params.EmitTTL
	}
	if params.Logfile != "" {
		cfg.Logfile = params.Logfile
	}
	cfg.Emit = cfg.Emit || params.Emit
	cfg.Syslog = cfg.Syslog || params.Syslog
	cfg.Verbose = cfg.Verbose || params.Verbose
	cfg.Debug = cfg.Debug || params.Debug

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runServer(ctx context.Context, cfg config.Config, spec config.ServerSpec, log *logger.Logger) int {
	ifi, err := netifaces.Resolve(cfg.Interface)
	if err != nil {
		log.Error("%s", err)
		return 1
	}

	r := relay.New(relay.Config{
		Interface: ifi,
		Metrics:   relay.NewMetrics(prometheus.DefaultRegisterer),
		Logger:    log,
	})
	tc := cfg.Tunnel()
	tc.Logger = log
	srv, err := relay.NewServer(spec.Addr, r, tc)
	if err != nil {
		log.Error("%s", err)
		return 1
	}

	sup := suture.New("mtunnel", suture.Spec{
		EventHook: func(e suture.Event) { log.Warning("%s", e) },
	})
	sup.Add(srv)
	if cfg.MetricsListen != "" {
		sup.Add(relay.NewMetricsService(cfg.MetricsListen, prometheus.DefaultGatherer, log))
	}

	err = sup.Serve(ctx)
	if ctx.Err() == nil {
		log.Error("server stopped: %v", err)
		return 1
	}
	log.Info("server stopped")
	return 0
}

func runClient(ctx context.Context, cfg config.Config, spec config.ServerSpec, log *logger.Logger) int {
	groups, err := config.ParseGroups(ctx, cfg.Groups)
	if err != nil {
		log.Error("%s", err)
		return 1
	}

	var sink client.Sink
	if cfg.Emit {
		ifi, err := netifaces.Resolve(cfg.Interface)
		if err != nil {
			log.Error("%s", err)
			return 1
		}
		e, err := client.NewEmitter(ifi, cfg.EmitTTL)
		if err != nil {
			log.Error("%s", err)
			return 1
		}
		defer e.Close()
		sink = e
	}

	tc := cfg.Tunnel()
	tc.Logger = log
	c, err := client.New(client.Config{
		Server: spec.Addr,
		Groups: groups,
		Sink:   sink,
		Tunnel: tc,
		Logger: log,
	})
	if err != nil {
		log.Error("%s", err)
		return 1
	}

	err = c.Run(ctx)
	if ctx.Err() != nil {
		return 0
	}
	var rejected *client.RejectedError
	if !errors.As(err, &rejected) {
		log.Error("%s", err)
	}
	return 1
}
