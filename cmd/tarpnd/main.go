// Command tarpnd wires the core packages (callsign, ax25, l3q, linkmux,
// netrom, scheduler) into a runnable packet-radio node: load config,
// bring up one AX.25 data-link manager per configured device, bind the
// NET/ROM network layer across them, and serve the heard-log and monitor
// socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tarpn-go/tarpnd/internal/ax25"
	"github.com/tarpn-go/tarpnd/internal/callsign"
	"github.com/tarpn-go/tarpnd/internal/config"
	"github.com/tarpn-go/tarpnd/internal/heardlog"
	"github.com/tarpn-go/tarpnd/internal/linkmux"
	"github.com/tarpn-go/tarpnd/internal/monitor"
	"github.com/tarpn-go/tarpnd/internal/netrom"
	"github.com/tarpn-go/tarpnd/internal/scheduler"
)

func main() {
	configPath := pflag.String("config", "tarpnd.yaml", "path to the node's YAML config file")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	lvl, err := log.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tarpnd: invalid --log-level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	log.SetLevel(lvl)

	if err := run(*configPath); err != nil {
		log.Fatal("tarpnd exited", "err", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	nodeCall, err := cfg.ParseNodeCall()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timers := scheduler.New()
	defer timers.Stop()

	mux := linkmux.New(cfg.QueueDepth)
	defer mux.Stop()

	heard := heardlog.New(cfg.HeardLogDir)
	defer heard.Close()

	ax25Cfg := ax25.Config{T1: cfg.T1, T3: cfg.T3, N2: cfg.N2, Window: cfg.WindowSize, Modulo: 8}
	netCfg := netrom.Config{
		NodeCall:      nodeCall,
		NodeAlias:     cfg.NodeAlias,
		DefaultTTL:    7,
		NodesInterval: cfg.NodesInterval,
		NodesPath:     cfg.NodesPath,
		Routing: netrom.Params{
			DefaultObs:     cfg.DefaultObs,
			DefaultQuality: cfg.DefaultQuality,
			MinQuality:     cfg.MinQuality,
			MinObs:         cfg.MinObs,
		},
	}
	network := netrom.NewNetwork(netCfg, nil, timers, mux)

	managers := make(map[int]*ax25.Manager, len(cfg.Devices))

	g, gctx := errgroup.WithContext(ctx)

	for _, dc := range cfg.Devices {
		portCall := nodeCall
		if dc.Call != "" {
			portCall, err = callsign.Parse(dc.Call)
			if err != nil {
				return fmt.Errorf("device on port %d: %w", dc.Port, err)
			}
		}

		out := make(chan ax25.OutboundFrame, cfg.QueueDepth)
		mgr := ax25.NewManager(portCall, dc.Port, ax25Cfg, nil, timers, out)
		mgr.SetHeardHook(func(remote callsign.Call, port int) {
			heard.Record(remote, port, -1)
		})
		managers[dc.Port] = mgr
		network.BindDataLink(dc.Port, mgr)

		dev := newKISSDevice(dc.Port, dc.Addr)
		if err := dev.dial(); err != nil {
			return err
		}

		g.Go(func() error {
			dev.readLoop(mgr, gctx.Done())
			return nil
		})
		g.Go(func() error {
			dev.writeLoop(out, gctx.Done())
			return nil
		})
	}

	if seed, ok, err := netrom.LoadNodes(cfg.NodesPath); err != nil {
		log.Warn("ignoring unreadable nodes snapshot", "path", cfg.NodesPath, "err", err)
	} else if ok {
		port := 0
		if len(cfg.Devices) > 0 {
			port = cfg.Devices[0].Port
		}
		network.SeedRoutes(seed, port)
		log.Info("seeded routing table from nodes snapshot", "path", cfg.NodesPath, "destinations", len(seed.Destinations))
	}

	network.StartBroadcasting()

	if cfg.MonitorAddr != "" {
		srv := monitor.New(cfg.MonitorAddr, statusSource{managers: managers, net: network})
		g.Go(func() error {
			return srv.Serve()
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Stop()
		})
	}

	<-gctx.Done()
	network.Stop()
	for _, mgr := range managers {
		mgr.Stop()
	}
	return g.Wait()
}
