package main

import (
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"verity/internal/cube"
	"verity/internal/identity"
	"verity/internal/persistence"
	"verity/internal/retrieval"
	"verity/internal/schedule"
	"verity/internal/store"
	"verity/internal/transport"
	libp2ptransport "verity/internal/transport/libp2p"
	"verity/pkg/config"
)

// Engine bundles the whole runtime: persistence, store, scheduler,
// transport, and identity layers wired together the way buildEngine
// constructs them for every verityd subcommand.
type Engine struct {
	Config     config.Config
	DB         *persistence.DB
	CubeStore  *store.CubeStore
	Scheduler  *schedule.Scheduler
	Retriever  *retrieval.Retriever
	Identities *identity.IdentityStore
	Node       *libp2ptransport.Node
	Logger     *logrus.Logger
}

// sinkProxy lets the libp2p node and the scheduler be constructed in either
// order despite each needing a reference to the other — the node needs a
// transport.Sink before the scheduler (which needs the node as its
// transport.PeerNetwork) can exist. The proxy is handed to the node first
// and its target backfilled once the scheduler is built.
type sinkProxy struct {
	target transport.Sink
}

func (p *sinkProxy) OnCubesDelivered(deliveries []transport.Delivery) {
	if p.target != nil {
		p.target.OnCubesDelivered(deliveries)
	}
}

func (p *sinkProxy) OnPeerEvent(ev transport.Event) {
	if p.target != nil {
		p.target.OnPeerEvent(ev)
	}
}

// buildEngine loads configuration (falling back to Defaults when no config
// file is present) and wires every core package, in dependency order.
func buildEngine() (*Engine, error) {
	cfg := config.Defaults()
	if loaded, err := config.LoadFromEnv(); err == nil {
		cfg = *loaded
	}

	logger := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lvl)
	}

	var backend store.Backend
	var db *persistence.DB
	if cfg.Storage.EnableCubePersistence {
		zapLogger, err := zap.NewProduction()
		if err != nil {
			return nil, err
		}
		db, err = persistence.Open(cfg.Storage.DBPath, zapLogger.Sugar())
		if err != nil {
			return nil, err
		}
		backend = db
	}

	cubeStore := store.New(backend, cube.ParserCCI, cfg.Admission.RequiredDifficulty, logger)

	proxy := &sinkProxy{}
	node, err := libp2ptransport.NewNode(libp2ptransport.Config{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	}, proxy, logger)
	if err != nil {
		return nil, err
	}

	scheduler := schedule.New(node, schedule.NewRandomSelector(time.Now().UnixNano()), cubeStore, schedule.Config{
		MaxRetries:     3,
		DefaultTimeout: 10 * time.Second,
	}, logger)
	proxy.target = scheduler

	retriever := retrieval.New(cubeStore, scheduler)
	identities := identity.NewStore(cubeStore, retriever, cfg.IdentityParams(), logger)

	return &Engine{
		Config:     cfg,
		DB:         db,
		CubeStore:  cubeStore,
		Scheduler:  scheduler,
		Retriever:  retriever,
		Identities: identities,
		Node:       node,
		Logger:     logger,
	}, nil
}

// Close tears down the node, scheduler, and persistence backend.
func (e *Engine) Close() {
	e.Scheduler.Shutdown()
	_ = e.Node.Close()
	if e.DB != nil {
		_ = e.DB.Close()
	}
}
