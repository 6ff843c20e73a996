// Package node ties the pieces together: it owns the store and the
// cluster state, accepts client and cluster connections, dispatches
// instructions and runs the gossip loop.
package node

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"slotkv/internal/cluster"
	"slotkv/internal/logging"
	"slotkv/internal/protocol"
	"slotkv/internal/status"
	"slotkv/internal/store"
	"slotkv/internal/transport"
)

// PingPause is the gossip cadence.
const PingPause = 1 * time.Second

// Config carries the identity and startup options of a node.
type Config struct {
	Name        string
	IP          string
	ClientPort  uint16
	ClusterPort uint16

	// ServeAllSlots seeds a single-node cluster owning every slot;
	// used for the first node of a cluster.
	ServeAllSlots bool

	// MaxStorageBytes caps the store; 0 means unlimited.
	MaxStorageBytes int64
}

// Node is one cluster member. All access to the cluster state and the
// store is serialized behind mu: instruction handlers and gossip rounds
// take it for their full duration. Correctness over latency; requests
// are millisecond-scale.
type Node struct {
	mu    sync.Mutex
	kvs   store.KeyValueStore
	state *cluster.State

	clientListener  *transport.Listener
	clusterListener *transport.Listener

	connsMu sync.Mutex
	conns   map[*transport.Connection]struct{}

	running   atomic.Bool
	gossiping atomic.Bool
	wg        sync.WaitGroup

	metrics *Metrics
}

// New builds a node with an in-memory store.
func New(cfg Config) *Node {
	return &Node{
		kvs:   store.NewMemory(cfg.MaxStorageBytes),
		state: cluster.NewState(cfg.Name, cfg.IP, cfg.ClientPort, cfg.ClusterPort, cfg.ServeAllSlots),
		conns: make(map[*transport.Connection]struct{}),
	}
}

// EnableMetrics attaches a metrics set to the node.
func (n *Node) EnableMetrics() *Metrics {
	n.metrics = NewMetrics()
	return n.metrics
}

// Start binds both listeners and launches the accept and gossip loops.
// Port 0 binds ephemerally; the bound ports are folded back into the
// gossip identity so peers learn real coordinates.
func (n *Node) Start() error {
	clientListener, err := transport.Listen(n.state.Myself.ClientPort)
	if err != nil {
		return fmt.Errorf("client listener: %w", err)
	}
	clusterListener, err := transport.Listen(n.state.Myself.ClusterPort)
	if err != nil {
		clientListener.Close()
		return fmt.Errorf("cluster listener: %w", err)
	}

	n.clientListener = clientListener
	n.clusterListener = clusterListener
	n.state.Myself.ClientPort = clientListener.Port()
	n.state.Myself.ClusterPort = clusterListener.Port()

	n.running.Store(true)
	n.gossiping.Store(true)

	n.wg.Add(3)
	go n.serve(clientListener)
	go n.serve(clusterListener)
	go n.gossipLoop()

	logging.Info("node %s listening: client :%d, cluster :%d",
		n.state.Myself.Name, n.state.Myself.ClientPort, n.state.Myself.ClusterPort)
	return nil
}

// Stop shuts the node down. In-flight operations fail with transport
// errors; clients retry. Peer links are not drained.
func (n *Node) Stop() {
	if !n.running.Swap(false) {
		return
	}
	n.gossiping.Store(false)

	n.clientListener.Close()
	n.clusterListener.Close()

	n.connsMu.Lock()
	for conn := range n.conns {
		conn.Close()
	}
	n.connsMu.Unlock()

	n.wg.Wait()

	n.mu.Lock()
	for _, peer := range n.state.Nodes {
		if peer.Link != nil {
			peer.Link.Close()
			peer.Link = nil
		}
	}
	n.mu.Unlock()
}

// ClientPort reports the bound client port.
func (n *Node) ClientPort() uint16 { return n.state.Myself.ClientPort }

// ClusterPort reports the bound cluster port.
func (n *Node) ClusterPort() uint16 { return n.state.Myself.ClusterPort }

// Name reports the node's gossip name.
func (n *Node) Name() string { return n.state.Myself.Name }

func (n *Node) serve(l *transport.Listener) {
	defer n.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if !n.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Warn("accept: %v", err)
			continue
		}

		n.trackConn(conn)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleConnection(conn)
		}()
	}
}

func (n *Node) trackConn(conn *transport.Connection) {
	n.connsMu.Lock()
	n.conns[conn] = struct{}{}
	n.connsMu.Unlock()
	if n.metrics != nil {
		n.metrics.connectionsActive.Inc()
	}
}

func (n *Node) untrackConn(conn *transport.Connection) {
	n.connsMu.Lock()
	delete(n.conns, conn)
	n.connsMu.Unlock()
	if n.metrics != nil {
		n.metrics.connectionsActive.Dec()
	}
}

// handleConnection drives one connection: one framed request in, one
// framed reply out, strictly in order, until the peer goes away or
// framing breaks.
func (n *Node) handleConnection(conn *transport.Connection) {
	defer func() {
		n.untrackConn(conn)
		conn.Close()
	}()

	for n.running.Load() {
		header, err := protocol.ReadHeader(conn)
		if err != nil {
			return
		}
		command, err := protocol.ReadCommand(conn, header.Argc, header.CommandSize)
		if err != nil {
			return
		}

		n.mu.Lock()
		err = n.execute(conn, header, command)
		n.mu.Unlock()
		if err != nil {
			logging.Debug("connection %v: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

// execute routes one instruction. A returned error means the
// connection is no longer usable; handler-level failures have already
// been answered on the wire.
func (n *Node) execute(conn *transport.Connection, header protocol.Header, command protocol.Command) error {
	if n.metrics != nil {
		n.metrics.requestsTotal.WithLabelValues(header.Instruction.String()).Inc()
	}

	switch header.Instruction {
	case protocol.InsPut:
		return n.handlePut(conn, header, command)
	case protocol.InsGet:
		return n.handleGet(conn, command)
	case protocol.InsErase:
		return n.handleErase(conn, command)
	case protocol.InsMeet:
		return n.handleMeet(conn, command)
	case protocol.InsMigrateSlot:
		return n.handleMigrateSlot(conn, command)
	case protocol.InsImportSlot:
		return n.handleImportSlot(conn, command)
	case protocol.InsClusterMigrationFinished:
		return n.handleMigrationFinished(command)
	case protocol.InsGetSlots:
		return n.handleGetSlots(conn, command)
	case protocol.InsClusterPing:
		return cluster.HandlePing(conn, n.state, command)
	default:
		return protocol.SendStatus(conn, status.NotSupported("Unknown instruction"))
	}
}

// gossipLoop pushes one ping round every PingPause while the node is
// part of a cluster.
func (n *Node) gossipLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(PingPause)
	defer ticker.Stop()

	for n.gossiping.Load() {
		<-ticker.C
		if !n.gossiping.Load() {
			return
		}

		n.mu.Lock()
		if n.state.PartOfCluster {
			cluster.SendPingRound(n.state)
			if n.metrics != nil {
				n.metrics.gossipRounds.Inc()
			}
		}
		n.updateGauges()
		n.mu.Unlock()
	}
}

func (n *Node) updateGauges() {
	if n.metrics == nil {
		return
	}
	n.metrics.slotsServed.Set(float64(n.state.Myself.NumSlotsServed))
	n.metrics.peersKnown.Set(float64(len(n.state.Nodes)))
	if mem, ok := n.kvs.(*store.Memory); ok {
		count, bytes := mem.Stats()
		n.metrics.keysStored.Set(float64(count))
		n.metrics.storageBytes.Set(float64(bytes))
	}
}

// Snapshot views for the admin surface.

// SlotsText renders the slot table in the GET_SLOTS text form.
func (n *Node) SlotsText() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return cluster.SerializeSlots(n.state.Slots[:])
}

// Stats reports store entry count and byte usage.
func (n *Node) Stats() (int, int64) {
	if mem, ok := n.kvs.(*store.Memory); ok {
		return mem.Stats()
	}
	return 0, 0
}

// PeerCount reports the size of the node table.
func (n *Node) PeerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.state.Nodes)
}
