package cluster

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"slotkv/internal/logging"
	"slotkv/internal/protocol"
	"slotkv/internal/transport"
)

// Packed gossip record sizes. Multi-byte scalars are big-endian; the
// served-slots bitmap is the little-endian bytes of its uint64 word.
const (
	NodeRecordSize = NameLen + IPLen + 2 + 2 + 8 + 2
	SlotRecordSize = 2 + 8 + 1 + NameLen + NameLen
)

// NodeRecord is the wire-only view of a node's gossip identity.
type NodeRecord struct {
	Name           string
	IP             string
	ClusterPort    uint16
	ClientPort     uint16
	ServedSlots    Bitset
	NumSlotsServed uint16
}

// SlotRecord is the wire-only view of one slot table entry.
type SlotRecord struct {
	SlotNumber           uint16
	AmountOfKeys         uint64
	State                SlotState
	MigrationPartnerName string
	ServedByName         string
}

func putPaddedString(buf []byte, s string) {
	n := copy(buf, s)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

func paddedString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

func marshalNodeRecord(rec NodeRecord, buf []byte) {
	putPaddedString(buf[0:NameLen], rec.Name)
	putPaddedString(buf[NameLen:NameLen+IPLen], rec.IP)
	off := NameLen + IPLen
	binary.BigEndian.PutUint16(buf[off:off+2], rec.ClusterPort)
	binary.BigEndian.PutUint16(buf[off+2:off+4], rec.ClientPort)
	binary.LittleEndian.PutUint64(buf[off+4:off+12], uint64(rec.ServedSlots))
	binary.BigEndian.PutUint16(buf[off+12:off+14], rec.NumSlotsServed)
}

func unmarshalNodeRecord(buf []byte) NodeRecord {
	off := NameLen + IPLen
	return NodeRecord{
		Name:           paddedString(buf[0:NameLen]),
		IP:             paddedString(buf[NameLen : NameLen+IPLen]),
		ClusterPort:    binary.BigEndian.Uint16(buf[off : off+2]),
		ClientPort:     binary.BigEndian.Uint16(buf[off+2 : off+4]),
		ServedSlots:    Bitset(binary.LittleEndian.Uint64(buf[off+4 : off+12])),
		NumSlotsServed: binary.BigEndian.Uint16(buf[off+12 : off+14]),
	}
}

func marshalSlotRecord(rec SlotRecord, buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], rec.SlotNumber)
	binary.BigEndian.PutUint64(buf[2:10], rec.AmountOfKeys)
	buf[10] = uint8(rec.State)
	putPaddedString(buf[11:11+NameLen], rec.MigrationPartnerName)
	putPaddedString(buf[11+NameLen:11+2*NameLen], rec.ServedByName)
}

func unmarshalSlotRecord(buf []byte) SlotRecord {
	return SlotRecord{
		SlotNumber:           binary.BigEndian.Uint16(buf[0:2]),
		AmountOfKeys:         binary.BigEndian.Uint64(buf[2:10]),
		State:                SlotState(buf[10]),
		MigrationPartnerName: paddedString(buf[11 : 11+NameLen]),
		ServedByName:         paddedString(buf[11+NameLen : 11+2*NameLen]),
	}
}

func nodeRecordOf(n *Node) NodeRecord {
	return NodeRecord{
		Name:           n.Name,
		IP:             n.IP,
		ClusterPort:    n.ClusterPort,
		ClientPort:     n.ClientPort,
		ServedSlots:    n.ServedSlots,
		NumSlotsServed: n.NumSlotsServed,
	}
}

func slotRecordOf(slot *Slot, slotNumber uint16) SlotRecord {
	rec := SlotRecord{
		SlotNumber:   slotNumber,
		AmountOfKeys: slot.AmountOfKeys,
		State:        slot.State,
	}
	if slot.MigrationPartner != nil {
		rec.MigrationPartnerName = slot.MigrationPartner.Name
	}
	if slot.ServedBy != nil {
		rec.ServedByName = slot.ServedBy.Name
	}
	return rec
}

// gossipFanout is how many peers each round pings and how many peer
// records ride along in each ping.
func gossipFanout(size int) int {
	return int(math.Ceil(float64(size) / 10.0))
}

// randomNode picks a uniformly random entry of the node table.
func randomNode(state *State) *Node {
	if len(state.Nodes) == 0 {
		return nil
	}
	index := rand.Intn(len(state.Nodes))
	for _, node := range state.Nodes {
		if index == 0 {
			return node
		}
		index--
	}
	return nil
}

// SendPingRound sends one gossip ping to ceil(N/10) random peers.
// Transport failures are swallowed: the link is torn down and the peer
// retried on a later round.
func SendPingRound(state *State) {
	if state.Size == 0 {
		return
	}

	fanout := gossipFanout(state.Size)
	for i := 0; i < fanout; i++ {
		target := randomNode(state)
		if target == nil || target.Name == state.Myself.Name {
			continue
		}
		if target.Link == nil {
			link, err := state.Dial(target.IP, target.ClusterPort)
			if err != nil {
				logging.Warn("gossip: redial %s (%s:%d) failed: %v", target.Name, target.IP, target.ClusterPort, err)
				continue
			}
			target.Link = link
		}
		if err := SendPing(target.Link, state); err != nil {
			logging.Warn("gossip: ping to %s failed: %v", target.Name, err)
			target.Link.Close()
			target.Link = nil
		}
	}
}

// SendPing pushes one ping on the given link: myself plus ceil(N/10)
// random peer records, the full slot table, then the sender name.
func SendPing(link *transport.Connection, state *State) error {
	fanout := gossipFanout(state.Size)

	records := make([]NodeRecord, 0, 1+fanout)
	records = append(records, nodeRecordOf(state.Myself))
	for i := 0; i < fanout; i++ {
		if node := randomNode(state); node != nil {
			records = append(records, nodeRecordOf(node))
		}
	}

	nodesBytes := len(records) * NodeRecordSize
	slotsBytes := int(AmountOfSlots) * SlotRecordSize
	payload := make([]byte, nodesBytes+slotsBytes+NameLen)

	for i, rec := range records {
		marshalNodeRecord(rec, payload[i*NodeRecordSize:(i+1)*NodeRecordSize])
	}
	for slotNumber := uint16(0); slotNumber < AmountOfSlots; slotNumber++ {
		off := nodesBytes + int(slotNumber)*SlotRecordSize
		marshalSlotRecord(slotRecordOf(&state.Slots[slotNumber], slotNumber), payload[off:off+SlotRecordSize])
	}
	putPaddedString(payload[nodesBytes+slotsBytes:], state.Myself.Name)

	command := protocol.Command{
		strconv.Itoa(len(records)),
		strconv.Itoa(int(AmountOfSlots)),
	}
	return protocol.SendInstruction(link, command, protocol.InsClusterPing, payload)
}

// HandlePing applies one incoming ping to the local state. The header
// and command are already consumed; the record stream is read here.
func HandlePing(conn *transport.Connection, state *State, command protocol.Command) error {
	if st := protocol.CheckArgc(command, protocol.InsClusterPing); !st.IsOK() {
		return fmt.Errorf("%w: %s", protocol.ErrProtocol, st.Msg())
	}

	sentNodes, err := strconv.Atoi(command[protocol.PingNodeCount])
	if err != nil {
		return fmt.Errorf("%w: bad node count %q", protocol.ErrProtocol, command[protocol.PingNodeCount])
	}
	sentSlots, err := strconv.Atoi(command[protocol.PingSlotCount])
	if err != nil {
		return fmt.Errorf("%w: bad slot count %q", protocol.ErrProtocol, command[protocol.PingSlotCount])
	}

	nodeBuf := make([]byte, NodeRecordSize)
	for i := 0; i < sentNodes; i++ {
		if err := protocol.ReadPayloadInto(conn, nodeBuf); err != nil {
			return err
		}
		rec := unmarshalNodeRecord(nodeBuf)
		if rec.Name == "" || rec.Name == state.Myself.Name {
			continue
		}
		updateNode(state, rec)
	}

	slotsBuf := make([]byte, sentSlots*SlotRecordSize)
	if err := protocol.ReadPayloadInto(conn, slotsBuf); err != nil {
		return err
	}

	senderBuf := make([]byte, NameLen)
	if err := protocol.ReadPayloadInto(conn, senderBuf); err != nil {
		return err
	}
	senderName := paddedString(senderBuf)

	for i := 0; i < sentSlots; i++ {
		rec := unmarshalSlotRecord(slotsBuf[i*SlotRecordSize : (i+1)*SlotRecordSize])
		if rec.SlotNumber >= AmountOfSlots {
			continue
		}
		// The receiver is authoritative about the slots it serves
		if state.Myself.ServedSlots.Test(rec.SlotNumber) {
			continue
		}
		slot := &state.Slots[rec.SlotNumber]

		if rec.ServedByName != "" {
			if node, known := state.Nodes[rec.ServedByName]; known {
				slot.ServedBy = node
			}
		}
		if rec.MigrationPartnerName != "" {
			if node, known := state.Nodes[rec.MigrationPartnerName]; known {
				slot.MigrationPartner = node
			}
		}

		// Only the serving node's own report may move key counts and
		// migration state; third parties just relay what they heard.
		if senderName != "" && senderName == rec.ServedByName {
			slot.AmountOfKeys = rec.AmountOfKeys
			slot.State = rec.State
		}
	}

	state.Size = len(state.Nodes)
	state.PartOfCluster = true
	return nil
}

// updateNode merges one gossiped identity into the node table. A live
// outgoing link is preserved; unknown peers get a fresh link to their
// cluster port. A failed dial leaves the link nil for the next round.
func updateNode(state *State, rec NodeRecord) {
	node, known := state.Nodes[rec.Name]
	if !known {
		node = &Node{Name: rec.Name}
		state.Nodes[rec.Name] = node
	}

	node.IP = rec.IP
	node.ClusterPort = rec.ClusterPort
	node.ClientPort = rec.ClientPort
	node.ServedSlots = rec.ServedSlots
	node.NumSlotsServed = rec.ServedSlots.Count()

	if node.Link == nil {
		link, err := state.Dial(rec.IP, rec.ClusterPort)
		if err != nil {
			logging.Warn("gossip: connect to discovered node %s (%s:%d) failed: %v", rec.Name, rec.IP, rec.ClusterPort, err)
		} else {
			node.Link = link
		}
	}

	for slot := uint16(0); slot < AmountOfSlots; slot++ {
		if node.ServedSlots.Test(slot) && !state.Myself.ServedSlots.Test(slot) {
			state.Slots[slot].ServedBy = node
		}
	}
	state.Size = len(state.Nodes)
}
