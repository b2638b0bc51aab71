// Command playnode boots a Play node: it terminates client connections,
// hosts Stages, and joins the S2S mesh described by its configuration.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/playhouse-dev/playhouse/bridge"
	"github.com/playhouse-dev/playhouse/config"
	"github.com/playhouse-dev/playhouse/lifecycle"
	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/router"
	"github.com/playhouse-dev/playhouse/runtime"
	"github.com/playhouse-dev/playhouse/s2s"
	"github.com/playhouse-dev/playhouse/session"
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

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("play node exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.NodeConfig, logger *slog.Logger) error {
	logger.Info("starting play node", "nodeId", cfg.NodeID, "listen", cfg.Listen, "s2sListen", cfg.S2sListen)

	rt := runtime.New(cfg.NodeID, runtime.WithLogger(logger))

	// sessions is filled in once the session.Manager exists below; lifecycle
	// only needs it to kick the losing side of a duplicate login, so a thin
	// forwarding indirection breaks the construction cycle (lifecycle needs
	// session lookup, session.Manager needs a bridge, bridge needs lifecycle).
	sessions := &sessionLookup{}

	lc := lifecycle.New(rt, sessions, defaultAuthenticator, cfg.AuthenticateMessageID, cfg.DefaultStageType, lifecycle.WithLogger(logger))
	disp := bridge.New(lc, rt, logger)

	sessMgr := session.NewManager(disp, logger,
		session.WithHeartbeat(cfg.HeartbeatInterval(), cfg.HeartbeatTimeout()),
		session.WithSendBuffer(cfg.SendBufferSize),
		session.WithCompressionThreshold(cfg.CompressionThresholdBytes),
	)
	sessions.mgr = sessMgr

	// r is resolved after router.New returns; the S2S transport's inbound
	// handler is only ever invoked once peer traffic arrives, well after
	// that assignment, so the forwarding closure below is safe.
	var r *router.Router
	dialer := func(dctx context.Context, addr string) (transport.Conn, error) {
		return transport.DialTCP(dctx, addr, uint32(cfg.MaxPacketSize))
	}
	s2sTransport := s2s.New(cfg.NodeID, dialer, func(env *packet.Envelope) { r.HandleEnvelope(env) }, logger)
	services := router.NewServiceDirectory()
	for _, entry := range cfg.ApiServices {
		serviceID, nodeID, err := config.ServiceBinding(entry)
		if err != nil {
			return err
		}
		services.Register(serviceID, nodeID)
	}
	r = router.New(rt, s2sTransport, sessMgr, services, nil, logger)

	registerStageTypes(rt, r)
	if cfg.DefaultStageType != "" {
		if code, err := rt.CreateStage(cfg.DefaultStageType, rt.NextStageID(), nil); err != nil || code != playhouseerr.Success {
			logger.Warn("default stage creation failed", "stageType", cfg.DefaultStageType, "code", code, "err", err)
		}
	}

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

	clientListener, err := listenClient(cfg)
	if err != nil {
		return err
	}
	go acceptClients(ctx, clientListener, sessMgr, logger)

	<-ctx.Done()
	logger.Info("play node shutting down")

	clientListener.Close()
	sessMgr.CloseAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Warn("stage pool shutdown incomplete", "err", err)
	}
	s2sTransport.Stop()
	s2sListener.Close()
	return nil
}

func listenClient(cfg *config.NodeConfig) (transport.Listener, error) {
	if cfg.UseWebsocket {
		return transport.ListenWebSocket(cfg.Listen, cfg.WebSocketPath, nil, uint32(cfg.MaxPacketSize))
	}
	return transport.ListenTCP(cfg.Listen, nil, uint32(cfg.MaxPacketSize))
}

func acceptClients(ctx context.Context, ln transport.Listener, sessMgr *session.Manager, logger *slog.Logger) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("client accept failed", "err", err)
			continue
		}
		go sessMgr.Accept(ctx, conn)
	}
}

// sessionLookup forwards to mgr, set once the session.Manager exists.
type sessionLookup struct {
	mgr *session.Manager
}

func (s *sessionLookup) Get(sessionID int64) (*session.Session, bool) {
	if s.mgr == nil {
		return nil, false
	}
	return s.mgr.Get(sessionID)
}

// defaultAuthenticator is an extension point: a real deployment supplies its
// own Authenticator (e.g. validating a token against a user service) when
// wiring lifecycle.New. This placeholder accepts any all-digit payload
// whose value is non-zero, treating it as the decimal account id.
func defaultAuthenticator(_ context.Context, p *packet.Packet) (int64, playhouseerr.Code) {
	if len(p.Payload) == 0 {
		return 0, playhouseerr.BadRequest
	}
	var accountID int64
	for _, b := range p.Payload {
		if b < '0' || b > '9' {
			return 0, playhouseerr.BadRequest
		}
		accountID = accountID*10 + int64(b-'0')
	}
	if accountID == 0 {
		return 0, playhouseerr.BadRequest
	}
	return accountID, playhouseerr.Success
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
