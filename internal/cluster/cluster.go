// Package cluster holds the node table, the slot table and the gossip
// machinery that keeps them converging across peers.
//
// Nothing in this package locks: the owning node serializes all access
// to a State behind its own mutex, for handlers and gossip rounds alike.
package cluster

import (
	"math/bits"

	"slotkv/internal/status"
	"slotkv/internal/transport"
)

const (
	// AmountOfSlots is the fixed partition count. Small for ease of
	// testing; the design is parametric in it.
	AmountOfSlots uint16 = 3

	// NameLen and IPLen are the fixed widths of the NUL-padded string
	// fields in gossip records.
	NameLen = 40
	IPLen   = 15
)

// SlotState tracks where a slot is in its migration lifecycle.
type SlotState uint8

const (
	SlotNormal SlotState = iota
	SlotMigrating
	SlotImporting
)

var slotStateNames = map[SlotState]string{
	SlotNormal:    "NORMAL",
	SlotMigrating: "MIGRATING",
	SlotImporting: "IMPORTING",
}

func (s SlotState) String() string { return slotStateNames[s] }

// Bitset records which slots a node serves, one bit per slot.
type Bitset uint64

func (b Bitset) Test(slot uint16) bool  { return b&(1<<slot) != 0 }
func (b *Bitset) Set(slot uint16)       { *b |= 1 << slot }
func (b *Bitset) Clear(slot uint16)     { *b &^= 1 << slot }
func (b Bitset) Count() uint16          { return uint16(bits.OnesCount64(uint64(b))) }

// Node is one member of the cluster: its gossip identity plus the one
// owned outgoing link to its cluster port. The link is established
// lazily and re-established after I/O failures.
type Node struct {
	Name           string
	IP             string
	ClusterPort    uint16
	ClientPort     uint16
	ServedSlots    Bitset
	NumSlotsServed uint16

	Link *transport.Connection
}

// Slot is one bucket of the partition space as seen by this node.
// ServedBy and MigrationPartner point into the node table (or at
// Myself); they are nil while the cluster has not converged yet.
type Slot struct {
	ServedBy         *Node
	AmountOfKeys     uint64
	State            SlotState
	MigrationPartner *Node
}

// State aggregates everything this node knows about the cluster.
type State struct {
	Nodes         map[string]*Node
	Slots         [AmountOfSlots]Slot
	Myself        *Node
	Size          int
	PartOfCluster bool

	// Dial opens outgoing peer links; tests swap it out.
	Dial func(ip string, port uint16) (*transport.Connection, error)
}

// NewState builds the state for a node with the given identity.
// serveAllSlots seeds a single-node cluster owning every slot; the
// first node of a cluster starts that way.
func NewState(name, ip string, clientPort, clusterPort uint16, serveAllSlots bool) *State {
	myself := &Node{
		Name:        truncate(name, NameLen),
		IP:          truncate(ip, IPLen),
		ClusterPort: clusterPort,
		ClientPort:  clientPort,
	}
	state := &State{
		Nodes:  make(map[string]*Node),
		Myself: myself,
		Dial:   transport.Dial,
	}

	if !serveAllSlots {
		return state
	}

	for slot := uint16(0); slot < AmountOfSlots; slot++ {
		state.Slots[slot] = Slot{ServedBy: myself, State: SlotNormal}
		myself.ServedSlots.Set(slot)
	}
	myself.NumSlotsServed = myself.ServedSlots.Count()
	state.PartOfCluster = true
	return state
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// AddNode connects to a new peer and inserts it into the node table.
// Duplicate names are rejected; identity is name-keyed.
func AddNode(state *State, name, ip string, clusterPort, clientPort uint16) status.Status {
	name = truncate(name, NameLen)
	ip = truncate(ip, IPLen)

	if _, exists := state.Nodes[name]; exists {
		return status.Error("Node with name " + name + " already in cluster")
	}

	link, err := state.Dial(ip, clusterPort)
	if err != nil {
		return status.Error("Could not connect to node: " + err.Error())
	}

	state.Nodes[name] = &Node{
		Name:        name,
		IP:          ip,
		ClusterPort: clusterPort,
		ClientPort:  clientPort,
		Link:        link,
	}
	state.Size = len(state.Nodes)
	return status.OK()
}

// FindNodeByClientAddr resolves a node table entry by its client-facing
// ip and port, the coordinates migration commands carry.
func FindNodeByClientAddr(state *State, ip string, clientPort uint16) *Node {
	for _, node := range state.Nodes {
		if node.IP == ip && node.ClientPort == clientPort {
			return node
		}
	}
	return nil
}
