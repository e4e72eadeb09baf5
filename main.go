package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Conni2461/admission-handler/internal/client"
	"github.com/Conni2461/admission-handler/internal/coord"
	"github.com/Conni2461/admission-handler/internal/monitor"
	"github.com/Conni2461/admission-handler/internal/netio"
	"github.com/Conni2461/admission-handler/internal/protocol"
	"github.com/Conni2461/admission-handler/internal/rom"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	serverMode := flag.Bool("server", false, "Run an admission server")
	clientMode := flag.Bool("client", false, "Run an admission client")
	monitorMode := flag.Bool("monitor", false, "Run the group monitor")
	maxEntries := flag.Int("max-entries", coord.DefaultMaxEntries, "Venue capacity (server)")
	number := flag.Int("number", 1, "Client label (client)")
	httpAddr := flag.String("http", "", "HTTP listen address for health/state/metrics (server) or the dashboard (monitor); empty disables on servers")
	ifaceName := flag.String("iface", "", "Multicast interface name (server); empty uses the system default")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	switch {
	case *serverMode:
		runServer(ctx, cancel, *maxEntries, *httpAddr, *ifaceName)
	case *clientMode:
		runClient(ctx, *number)
	case *monitorMode:
		runMonitor(ctx, *httpAddr)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runServer(ctx context.Context, cancel context.CancelFunc, maxEntries int, httpAddr, ifaceName string) {
	id := uuid.NewString()
	slog.Info("starting server", "version", Version, "uuid", id, "max_entries", maxEntries)

	// The listeners close over srv; they only start reading after it is set.
	var srv *coord.Server
	tcpListener, err := netio.NewTCPListener(func(msg protocol.Message, addr net.Addr) {
		srv.EnqueueTCP(msg, addr)
	})
	if err != nil {
		slog.Error("bind tcp listener", "err", err)
		os.Exit(1)
	}
	bcastListener, err := netio.NewBroadcastListener(func(msg protocol.Message, addr *net.UDPAddr) {
		srv.EnqueueBroadcast(msg, addr)
	})
	if err != nil {
		slog.Error("bind broadcast listener", "err", err)
		os.Exit(1)
	}

	var iface *net.Interface
	if ifaceName != "" {
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			slog.Error("resolve multicast interface", "iface", ifaceName, "err", err)
			os.Exit(1)
		}
	}
	transport, err := rom.NewUDPTransport(iface)
	if err != nil {
		slog.Error("bind multicast transport", "err", err)
		os.Exit(1)
	}

	var metrics *coord.Metrics
	reg := prometheus.NewRegistry()
	if httpAddr != "" {
		metrics = coord.NewMetrics(reg)
	}

	srv = coord.New(coord.Config{
		UUID:       id,
		Hostname:   netio.Hostname(),
		IP:         netio.LocalIP(),
		Port:       tcpListener.Port(),
		MaxEntries: maxEntries,
		TCP:        netio.TCPSender{},
		Broadcast:  netio.Broadcaster{},
		Cancel:     cancel,
		Metrics:    metrics,
	})
	engine := rom.NewEngine(id, transport, srv.DeliverROM)
	srv.AttachROM(engine)

	go tcpListener.Run()
	defer tcpListener.Close()
	go bcastListener.Run(ctx)
	go transport.Run(ctx, srv.EnqueueMulticast)

	if httpAddr != "" {
		api := coord.NewAPI(srv, reg)
		go func() {
			if err := api.Run(ctx, httpAddr); err != nil {
				slog.Error("http api", "err", err)
			}
		}()
	}

	srv.Run(ctx)
	slog.Info("server stopped")
}

func runClient(ctx context.Context, number int) {
	slog.Info("starting client", "version", Version, "number", number)
	c, err := client.New(number)
	if err != nil {
		slog.Error("initialize client", "err", err)
		os.Exit(1)
	}
	c.Run(ctx, os.Stdin)
	slog.Info("client stopped")
}

func runMonitor(ctx context.Context, httpAddr string) {
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	slog.Info("starting monitor", "version", Version, "addr", httpAddr)

	table := monitor.NewTable()
	listener, err := netio.NewBroadcastListener(func(msg protocol.Message, _ *net.UDPAddr) {
		table.Apply(msg)
	})
	if err != nil {
		slog.Error("bind broadcast listener", "err", err)
		os.Exit(1)
	}
	go listener.Run(ctx)

	if err := monitor.NewAPI(table).Run(ctx, httpAddr); err != nil {
		slog.Error("monitor api", "err", err)
		os.Exit(1)
	}
	slog.Info("monitor stopped")
}
