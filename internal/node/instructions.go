package node

import (
	"strconv"

	"slotkv/internal/cluster"
	"slotkv/internal/protocol"
	"slotkv/internal/status"
	"slotkv/internal/transport"
)

func parseUint(s string) (uint64, bool) {
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}

func parsePort(s string) (uint16, bool) {
	v, err := strconv.ParseUint(s, 10, 16)
	return uint16(v), err == nil
}

// sendAsk redirects the client to the slot's migration partner for a
// transient retry with the asking flag.
func (n *Node) sendAsk(conn *transport.Connection, slot uint16) error {
	partner := n.state.Slots[slot].MigrationPartner
	command := protocol.Command{partner.IP, strconv.Itoa(int(partner.ClientPort))}
	if n.metrics != nil {
		n.metrics.redirectsTotal.WithLabelValues("ask").Inc()
	}
	return protocol.SendInstruction(conn, command, protocol.InsAsk, nil)
}

// drainPayload consumes and discards n bytes so the connection framing
// stays aligned when a PUT is answered without storing its chunk.
func drainPayload(conn *transport.Connection, size uint64) error {
	const chunk = 64 * 1024
	buf := make([]byte, min(size, chunk))
	for size > 0 {
		part := buf[:min(size, chunk)]
		if err := protocol.ReadPayloadInto(conn, part); err != nil {
			return err
		}
		size -= uint64(len(part))
	}
	return nil
}

// handlePut stores one chunk of a value. The declared payload_size is
// the value's total size; cur_payload_size bytes arrive now and land at
// offset. New keys bump the slot's key count.
func (n *Node) handlePut(conn *transport.Connection, header protocol.Header, command protocol.Command) error {
	if st := protocol.CheckArgc(command, protocol.InsPut); !st.IsOK() {
		return protocol.SendStatus(conn, st)
	}

	key := command[protocol.PutKey]
	curPayloadSize, okSize := parseUint(command[protocol.PutCurPayloadSize])
	offset, okOffset := parseUint(command[protocol.PutOffset])
	if !okSize || !okOffset {
		return protocol.SendStatus(conn, status.InvalidArgument("Malformed numeric argument for PUT"))
	}
	slot := cluster.KeySlot(key)

	served, err := cluster.CheckKeySlotServed(key, conn, n.state)
	if err != nil {
		return err
	}
	if !served {
		if n.metrics != nil {
			n.metrics.redirectsTotal.WithLabelValues("move").Inc()
		}
		// The chunk is still on the wire; keep the framing aligned.
		return drainPayload(conn, curPayloadSize)
	}

	keyPresent := n.kvs.Contains(key)

	// A fresh key on a slot being drained belongs to the importer.
	if !keyPresent && n.state.Slots[slot].State == cluster.SlotMigrating {
		if err := drainPayload(conn, curPayloadSize); err != nil {
			return err
		}
		return n.sendAsk(conn, slot)
	}

	totalSize := max(header.PayloadSize, offset+curPayloadSize)

	var value []byte
	if keyPresent {
		value, _ = n.kvs.Get(key)
		if uint64(len(value)) < totalSize {
			grown := make([]byte, totalSize)
			copy(grown, value)
			value = grown
		}
	} else {
		value = make([]byte, totalSize)
	}

	if err := protocol.ReadPayloadInto(conn, value[offset:offset+curPayloadSize]); err != nil {
		return err
	}

	st := n.kvs.Put(key, value)
	if st.IsOK() && !keyPresent {
		n.state.Slots[slot].AmountOfKeys++
	}
	return protocol.SendStatus(conn, st)
}

// handleGet answers with GET_RESPONSE carrying the requested window of
// the value: size bytes from offset, or everything from offset when
// size is 0.
func (n *Node) handleGet(conn *transport.Connection, command protocol.Command) error {
	if st := protocol.CheckArgc(command, protocol.InsGet); !st.IsOK() {
		return protocol.SendStatus(conn, st)
	}

	key := command[protocol.GetKey]
	size, okSize := parseUint(command[protocol.GetSize])
	offset, okOffset := parseUint(command[protocol.GetOffset])
	if !okSize || !okOffset {
		return protocol.SendStatus(conn, status.InvalidArgument("Malformed numeric argument for GET"))
	}
	asking := command[protocol.GetAsking] == "true"
	slot := cluster.KeySlot(key)

	served, err := cluster.CheckSlotServed(slot, conn, n.state)
	if err != nil {
		return err
	}
	if !served {
		if n.metrics != nil {
			n.metrics.redirectsTotal.WithLabelValues("move").Inc()
		}
		return nil
	}

	// Reads on an importing slot are only valid after an ASK redirect.
	if n.state.Slots[slot].State == cluster.SlotImporting && !asking {
		partner := n.state.Slots[slot].MigrationPartner
		command := protocol.Command{partner.IP, strconv.Itoa(int(partner.ClientPort))}
		if n.metrics != nil {
			n.metrics.redirectsTotal.WithLabelValues("no_asking").Inc()
		}
		return protocol.SendInstruction(conn, command, protocol.InsNoAskingError, nil)
	}

	value, st := n.kvs.Get(key)
	if st.IsNotFound() {
		if n.state.Slots[slot].State == cluster.SlotMigrating {
			return n.sendAsk(conn, slot)
		}
		return protocol.SendStatus(conn, st)
	}

	if offset > uint64(len(value)) {
		return protocol.SendStatus(conn, status.InvalidArgument("Offset past end of value"))
	}
	end := uint64(len(value))
	if size != 0 && offset+size < end {
		end = offset + size
	}

	response := protocol.Command{
		strconv.FormatUint(uint64(len(value)), 10),
		strconv.FormatUint(offset, 10),
	}
	return protocol.SendInstruction(conn, response, protocol.InsGetResponse, value[offset:end])
}

// handleErase removes a key and maintains the slot's key count. An
// erase that drains a migrating slot to zero keys hands the slot over:
// ownership flips to the partner and the partner is told the migration
// finished.
func (n *Node) handleErase(conn *transport.Connection, command protocol.Command) error {
	if st := protocol.CheckArgc(command, protocol.InsErase); !st.IsOK() {
		return protocol.SendStatus(conn, st)
	}

	key := command[protocol.EraseKey]
	asking := command[protocol.EraseAsking] == "true"
	slot := cluster.KeySlot(key)

	served, err := cluster.CheckKeySlotServed(key, conn, n.state)
	if err != nil {
		return err
	}
	if !served {
		if n.metrics != nil {
			n.metrics.redirectsTotal.WithLabelValues("move").Inc()
		}
		return nil
	}

	st := n.kvs.Erase(key)

	if st.IsNotFound() && n.state.Slots[slot].State == cluster.SlotMigrating && !asking {
		return n.sendAsk(conn, slot)
	}

	if st.IsOK() {
		n.state.Slots[slot].AmountOfKeys--
		if n.state.Slots[slot].AmountOfKeys == 0 && n.state.Slots[slot].State == cluster.SlotMigrating {
			n.finishMigration(slot)
		}
	}
	return protocol.SendStatus(conn, st)
}

// finishMigration flips a drained slot over to its migration partner
// and notifies the partner on the cluster link.
func (n *Node) finishMigration(slot uint16) {
	partner := n.state.Slots[slot].MigrationPartner

	n.state.Slots[slot].State = cluster.SlotNormal
	n.state.Slots[slot].ServedBy = partner
	n.state.Slots[slot].MigrationPartner = nil
	n.state.Myself.ServedSlots.Clear(slot)
	n.state.Myself.NumSlotsServed = n.state.Myself.ServedSlots.Count()

	if partner == nil {
		return
	}
	command := protocol.Command{strconv.Itoa(int(slot))}
	link := partner.Link
	if link == nil {
		dialed, err := n.state.Dial(partner.IP, partner.ClusterPort)
		if err != nil {
			return
		}
		partner.Link = dialed
		link = dialed
	}
	if err := protocol.SendInstruction(link, command, protocol.InsClusterMigrationFinished, nil); err != nil {
		link.Close()
		partner.Link = nil
	}
}

// handleMeet adds a node to the cluster by explicit introduction.
func (n *Node) handleMeet(conn *transport.Connection, command protocol.Command) error {
	if st := protocol.CheckArgc(command, protocol.InsMeet); !st.IsOK() {
		return protocol.SendStatus(conn, st)
	}

	ip := command[protocol.MeetIP]
	clientPort, okClient := parsePort(command[protocol.MeetClientPort])
	clusterPort, okCluster := parsePort(command[protocol.MeetClusterPort])
	if !okClient || !okCluster {
		return protocol.SendStatus(conn, status.InvalidArgument("Malformed port for MEET"))
	}
	name := command[protocol.MeetName]

	st := cluster.AddNode(n.state, name, ip, clusterPort, clientPort)
	return protocol.SendStatus(conn, st)
}

// migrationPartner resolves and validates the counterpart of a
// migration command. A nil return means the error is already answered.
func (n *Node) migrationPartner(conn *transport.Connection, slot uint16, ip string, clientPort uint16) (*cluster.Node, error) {
	if n.state.Slots[slot].State != cluster.SlotNormal {
		return nil, protocol.SendStatus(conn, status.NotSupported("Slot already in process of migrating"))
	}

	partner := cluster.FindNodeByClientAddr(n.state, ip, clientPort)
	if partner == nil {
		return nil, protocol.SendStatus(conn, status.Error("Other node not part of the cluster"))
	}
	return partner, nil
}

// handleMigrateSlot marks a served slot as draining toward a peer. A
// slot with no keys is logically migrated already: that is a no-op OK,
// and the partner side is transitioned by its own IMPORT_SLOT.
func (n *Node) handleMigrateSlot(conn *transport.Connection, command protocol.Command) error {
	if st := protocol.CheckArgc(command, protocol.InsMigrateSlot); !st.IsOK() {
		return protocol.SendStatus(conn, st)
	}

	slot64, okSlot := parseUint(command[protocol.MigrationSlot])
	clientPort, okPort := parsePort(command[protocol.MigrationOtherClientPort])
	if !okSlot || !okPort || slot64 >= uint64(cluster.AmountOfSlots) {
		return protocol.SendStatus(conn, status.InvalidArgument("Malformed argument for MIGRATE_SLOT"))
	}
	slot := uint16(slot64)
	ip := command[protocol.MigrationOtherIP]

	served, err := cluster.CheckSlotServed(slot, conn, n.state)
	if err != nil {
		return err
	}
	if !served {
		return nil
	}

	partner, err := n.migrationPartner(conn, slot, ip, clientPort)
	if partner == nil {
		return err
	}

	if n.state.Slots[slot].AmountOfKeys != 0 {
		n.state.Slots[slot].MigrationPartner = partner
		n.state.Slots[slot].State = cluster.SlotMigrating
	}
	return protocol.SendStatus(conn, status.OK())
}

// handleImportSlot marks a slot as receiving from a peer. The slot is
// served immediately so ASK-redirected operations are accepted here
// while the source drains.
func (n *Node) handleImportSlot(conn *transport.Connection, command protocol.Command) error {
	if st := protocol.CheckArgc(command, protocol.InsImportSlot); !st.IsOK() {
		return protocol.SendStatus(conn, st)
	}

	slot64, okSlot := parseUint(command[protocol.MigrationSlot])
	clientPort, okPort := parsePort(command[protocol.MigrationOtherClientPort])
	if !okSlot || !okPort || slot64 >= uint64(cluster.AmountOfSlots) {
		return protocol.SendStatus(conn, status.InvalidArgument("Malformed argument for IMPORT_SLOT"))
	}
	slot := uint16(slot64)
	ip := command[protocol.MigrationOtherIP]

	partner, err := n.migrationPartner(conn, slot, ip, clientPort)
	if partner == nil {
		return err
	}

	n.state.Slots[slot].MigrationPartner = partner
	n.state.Slots[slot].State = cluster.SlotImporting
	n.state.Myself.ServedSlots.Set(slot)
	n.state.Myself.NumSlotsServed = n.state.Myself.ServedSlots.Count()
	return protocol.SendStatus(conn, status.OK())
}

// handleMigrationFinished completes an import: the local node becomes
// the slot's owner. No reply travels on the cluster channel for this.
func (n *Node) handleMigrationFinished(command protocol.Command) error {
	if st := protocol.CheckArgc(command, protocol.InsClusterMigrationFinished); !st.IsOK() {
		return nil
	}

	slot64, ok := parseUint(command[protocol.MigrationFinishedSlot])
	if !ok || slot64 >= uint64(cluster.AmountOfSlots) {
		return nil
	}
	slot := uint16(slot64)

	n.state.Slots[slot].State = cluster.SlotNormal
	n.state.Slots[slot].ServedBy = n.state.Myself
	n.state.Slots[slot].MigrationPartner = nil
	return nil
}

// handleGetSlots answers the admin view of the slot table.
func (n *Node) handleGetSlots(conn *transport.Connection, command protocol.Command) error {
	if st := protocol.CheckArgc(command, protocol.InsGetSlots); !st.IsOK() {
		return protocol.SendStatus(conn, st)
	}
	payload := cluster.SerializeSlots(n.state.Slots[:])
	return protocol.SendInstruction(conn, nil, protocol.InsOKResponse, payload)
}
