package node

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/ethcore/ethcore/core"
	"github.com/ethcore/ethcore/core/rawdb"
	"github.com/ethcore/ethcore/core/state"
	"github.com/ethcore/ethcore/p2p"
	"github.com/ethcore/ethcore/rpc"
	"github.com/ethcore/ethcore/txpool"
)

// Node is the top-level ETH2030 node that manages all subsystems.
type Node struct {
	config *Config

	// Subsystems.
	db         rawdb.Database
	blockchain *core.Blockchain
	txPool     *txpool.TxPool
	rpcServer  *http.Server
	rpcHandler *rpc.Server
	p2pServer  *p2p.Server

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// New creates a new Node with the given configuration. It initializes
// all subsystems but does not start any network services.
func New(config *Config) (*Node, error) {
	if config == nil {
		c := DefaultConfig()
		config = &c
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		config: config,
		stop:   make(chan struct{}),
	}

	// Initialize in-memory database.
	n.db = rawdb.NewMemoryDB()

	// Initialize blockchain with a genesis block.
	genesisSpec := genesisForNetwork(config.Network)
	statedb := state.NewMemoryStateDB()
	genesis := genesisSpec.SetupGenesisBlock(statedb)

	bc, err := core.NewBlockchain(genesisSpec.Config, genesis, statedb, n.db)
	if err != nil {
		return nil, fmt.Errorf("init blockchain: %w", err)
	}
	n.blockchain = bc

	// Initialize transaction pool.
	poolCfg := txpool.DefaultConfig()
	n.txPool = txpool.New(poolCfg, bc.State())

	// Initialize P2P server.
	n.p2pServer = p2p.NewServer(p2p.Config{
		ListenAddr: config.P2PAddr(),
		MaxPeers:   config.MaxPeers,
	})

	// Initialize RPC server with blockchain backend.
	backend := newNodeBackend(n)
	n.rpcHandler = rpc.NewServer(backend)

	return n, nil
}

// Start starts all node subsystems in order.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return errors.New("node already running")
	}

	log.Printf("Starting node (network=%s)", n.config.Network)

	// Start P2P server.
	if err := n.p2pServer.Start(); err != nil {
		return fmt.Errorf("start p2p: %w", err)
	}
	log.Printf("P2P server listening on %s", n.p2pServer.ListenAddr())

	// Start JSON-RPC server.
	n.rpcServer = &http.Server{
		Addr:    n.config.RPCAddr(),
		Handler: n.rpcHandler.Handler(),
	}
	go func() {
		log.Printf("RPC server listening on %s", n.config.RPCAddr())
		if err := n.rpcServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("RPC server error: %v", err)
		}
	}()

	n.running = true
	log.Println("Node started successfully")
	return nil
}

// Stop gracefully shuts down all subsystems in reverse order.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}

	log.Println("Stopping node...")

	// Stop RPC server.
	if n.rpcServer != nil {
		if err := n.rpcServer.Close(); err != nil {
			log.Printf("RPC server stop error: %v", err)
		}
	}

	// Stop P2P server.
	n.p2pServer.Stop()

	// Close database.
	if err := n.db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	n.running = false
	close(n.stop)
	log.Println("Node stopped")
	return nil
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() {
	<-n.stop
}

// Blockchain returns the blockchain instance.
func (n *Node) Blockchain() *core.Blockchain {
	return n.blockchain
}

// TxPool returns the transaction pool.
func (n *Node) TxPool() *txpool.TxPool {
	return n.txPool
}

// Config returns the node configuration.
func (n *Node) Config() *Config {
	return n.config
}

// Running reports whether the node is currently running.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// genesisForNetwork returns the genesis specification for the given network.
// Unrecognized or post-merge network names fall back to mainnet.
func genesisForNetwork(network string) *core.Genesis {
	g := core.GenesisBlockForNetwork(network)
	if g == nil {
		return core.DefaultGenesisBlock()
	}
	return g
}
