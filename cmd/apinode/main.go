// Command apinode boots an Api node: a stateless Controller host joined to
// the S2S mesh, serving no client-facing listener of its own.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/playhouse-dev/playhouse/apihost"
	"github.com/playhouse-dev/playhouse/config"
	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/router"
	"github.com/playhouse-dev/playhouse/runtime"
	"github.com/playhouse-dev/playhouse/s2s"
	"github.com/playhouse-dev/playhouse/transport"
)

func main() {
	configPath := flag.String("config", "", "path to node config file (YAML/JSON/TOML); env and defaults apply regardless")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "err", err)
		os.Exit(1)
	}
	if cfg.ApiServiceID == 0 {
		slog.Error("api_service_id must be non-zero for an api node")
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api node exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.NodeConfig, logger *slog.Logger) error {
	logger.Info("starting api node", "nodeId", cfg.NodeID, "s2sListen", cfg.S2sListen, "serviceId", cfg.ApiServiceID)

	// An Api node hosts no Stages of its own, but Router still needs a
	// Runtime handle to satisfy sender.Services for any RequestToStage call
	// a controller makes against a Play node.
	rt := runtime.New(cfg.NodeID, runtime.WithLogger(logger))

	dialer := func(dctx context.Context, addr string) (transport.Conn, error) {
		return transport.DialTCP(dctx, addr, uint32(cfg.MaxPacketSize))
	}

	var r *router.Router
	s2sTransport := s2s.New(cfg.NodeID, dialer, func(env *packet.Envelope) { r.HandleEnvelope(env) }, logger)

	services := router.NewServiceDirectory()
	for _, entry := range cfg.ApiServices {
		serviceID, nodeID, err := config.ServiceBinding(entry)
		if err != nil {
			return err
		}
		services.Register(serviceID, nodeID)
	}
	services.Register(uint16(cfg.ApiServiceID), cfg.NodeID)

	host := apihost.New(s2sTransport, nil, logger)
	r = router.New(rt, s2sTransport, noSessions{}, services, host, logger)
	host.SetServices(r)

	registerControllers(host)

	s2sListener, err := transport.ListenTCP(cfg.S2sListen, nil, uint32(cfg.MaxPacketSize))
	if err != nil {
		return err
	}
	go s2sTransport.ServeInbound(ctx, s2sListener)

	for _, peer := range cfg.Peers {
		nodeID, addr, err := config.PeerAddr(peer)
		if err != nil {
			return err
		}
		s2sTransport.ConnectPeer(nodeID, addr)
	}

	<-ctx.Done()
	logger.Info("api node shutting down")
	s2sTransport.Stop()
	s2sListener.Close()
	return nil
}

// noSessions is the SessionDirectory for a node that terminates no client
// connections: any SendToSession call here is a configuration error (an Api
// controller tried to push to a client directly instead of via its owning
// Stage).
type noSessions struct{}

func (noSessions) Send(sessionID int64, p *packet.Packet) error {
	return playhouseerr.New(playhouseerr.SessionNotFound)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
