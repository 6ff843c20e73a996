package cluster

import (
	"strconv"
	"strings"

	"slotkv/internal/protocol"
	"slotkv/internal/status"
	"slotkv/internal/transport"
)

// CheckKeySlotServed routes by key; see CheckSlotServed.
func CheckKeySlotServed(key string, conn *transport.Connection, state *State) (bool, error) {
	return CheckSlotServed(KeySlot(key), conn, state)
}

// CheckSlotServed reports whether this node serves the slot. If not, it
// answers the client itself: MOVE to the known owner, or an error when
// the cluster has not converged on an owner yet. The caller stops
// either way when false is returned.
func CheckSlotServed(slot uint16, conn *transport.Connection, state *State) (bool, error) {
	if slot < AmountOfSlots && state.Myself.ServedSlots.Test(slot) {
		return true, nil
	}

	if slot >= AmountOfSlots || state.Slots[slot].ServedBy == nil {
		return false, protocol.SendStatus(conn, status.Error("Slot not served by any node"))
	}

	owner := state.Slots[slot].ServedBy
	command := protocol.Command{owner.IP, strconv.Itoa(int(owner.ClientPort))}
	return false, protocol.SendInstruction(conn, command, protocol.InsMove, nil)
}

// SerializeSlots renders the slot table as newline-separated runs of
// consecutive slots sharing an owner:
//
//	<first>\t<last>\t<ip>:<port>
//	<first>\t<last>\tNULL
func SerializeSlots(slots []Slot) []byte {
	var b strings.Builder

	writeRun := func(first, last int, node *Node) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strconv.Itoa(first))
		b.WriteByte('\t')
		b.WriteString(strconv.Itoa(last))
		b.WriteByte('\t')
		if node == nil {
			b.WriteString("NULL")
		} else {
			b.WriteString(node.IP)
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(int(node.ClientPort)))
		}
	}

	runStart := 0
	for i := 1; i <= len(slots); i++ {
		if i < len(slots) && slots[i].ServedBy == slots[runStart].ServedBy {
			continue
		}
		writeRun(runStart, i-1, slots[runStart].ServedBy)
		runStart = i
	}
	return []byte(b.String())
}
