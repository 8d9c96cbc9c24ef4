// Command gateway is the proof-batching gateway process entrypoint: it
// loads configuration, constructs every component, wires them together,
// and runs until terminated, §D.11.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"

	"github.com/eth2030/proofgateway/adminapi"
	"github.com/eth2030/proofgateway/admission"
	"github.com/eth2030/proofgateway/batchqueue"
	"github.com/eth2030/proofgateway/blockfeed"
	"github.com/eth2030/proofgateway/config"
	"github.com/eth2030/proofgateway/connhandler"
	"github.com/eth2030/proofgateway/finalizer"
	"github.com/eth2030/proofgateway/internal/logging"
	"github.com/eth2030/proofgateway/node"
	"github.com/eth2030/proofgateway/objectstore"
	"github.com/eth2030/proofgateway/settlement"
	"github.com/eth2030/proofgateway/userstate"
	"github.com/eth2030/proofgateway/verify"
)

func main() {
	configPath := flag.String("config", "gateway.yaml", "path to the gateway YAML config")
	flag.Parse()

	log := logging.Default().Module("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	queue := batchqueue.New()
	users := userstate.New()

	adapter, err := settlement.Dial(cfg, cfg.SettlementPrimaryAddr, cfg.SettlementFallbackAddr)
	if err != nil {
		log.Error("dial settlement", "err", err)
		os.Exit(1)
	}

	dispatcher := verify.New()
	engine := admission.New(cfg, queue, users, adapter, dispatcher.Verify, adapter.UserNonce)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.ObjectStoreAddr})
	store := objectstore.New(rdb)

	// Gas-cost shape for batch sizing: a fixed per-transaction overhead
	// plus a per-proof marginal cost, both in gas units.
	gasModel := batchqueue.GasModel{
		ConstantGas:     21_000,
		PerProofGasCost: 5_000,
	}
	fin := finalizer.New(cfg, queue, users, adapter, store, adapter, gasModel)

	primaryHead := chainHeadReader(cfg.ChainRPCPrimary)
	fallbackHead := chainHeadReader(cfg.ChainRPCFallback)
	poller := blockfeed.New(primaryHead, fallbackHead, time.Duration(cfg.BlockPollInterval)*time.Millisecond)
	blocks, err := poller.Subscribe(ctx)
	if err != nil {
		log.Error("subscribe to block feed", "err", err)
		os.Exit(1)
	}

	connSrv := connhandler.New(engine)
	adminSrv := adminapi.New([]byte(cfg.JWTSecret), queue, users)

	// finalizer starts first (priority 0, no dependencies): it's the
	// sole consumer of the batch queue. connhandler and adminapi both
	// declare finalizer as a dependency so neither listener starts
	// accepting connections before there is something finalizing what
	// they admit; they're otherwise unordered relative to each other
	// (equal priority 1).
	registry := node.NewServiceRegistry(0)
	registry.Register(&node.ServiceDescriptor{
		Name:     "finalizer",
		Service:  &finalizerService{fin: fin, blocks: blocks},
		Priority: 0,
	})
	registry.Register(&node.ServiceDescriptor{
		Name:         "connhandler",
		Service:      &httpService{name: "connhandler", addr: cfg.ListenAddr, handler: connSrv},
		Priority:     1,
		Dependencies: []string{"finalizer"},
	})
	registry.Register(&node.ServiceDescriptor{
		Name:         "adminapi",
		Service:      &httpService{name: "adminapi", addr: cfg.AdminAddr, handler: adminSrv},
		Priority:     1,
		Dependencies: []string{"finalizer"},
	})

	if errs := registry.Start(); len(errs) > 0 {
		for _, e := range errs {
			log.Error("start service", "err", e)
		}
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("shutting down")
	for _, e := range registry.Stop() {
		log.Error("stop service", "err", e)
	}
}

// chainHeadReader wraps an ethclient.Client dialed lazily against rpcURL
// as a blockfeed.HeadReader.
func chainHeadReader(rpcURL string) blockfeed.HeadReader {
	var client *ethclient.Client
	return func(ctx context.Context) (uint64, error) {
		if client == nil {
			c, err := ethclient.DialContext(ctx, rpcURL)
			if err != nil {
				return 0, err
			}
			client = c
		}
		return client.BlockNumber(ctx)
	}
}

// finalizerService adapts the Finalizer's block-consumption loop to
// node.Service.
type finalizerService struct {
	fin    *finalizer.Finalizer
	blocks <-chan uint64
	cancel context.CancelFunc
}

func (s *finalizerService) Name() string { return "finalizer" }

func (s *finalizerService) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.fin.Run(ctx, s.blocks)
	return nil
}

func (s *finalizerService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// httpService adapts an http.Handler to node.Service.
type httpService struct {
	name    string
	addr    string
	handler http.Handler
	srv     *http.Server
}

func (s *httpService) Name() string { return s.name }

func (s *httpService) Start() error {
	s.srv = &http.Server{Addr: s.addr, Handler: s.handler}
	go s.srv.ListenAndServe()
	return nil
}

func (s *httpService) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
