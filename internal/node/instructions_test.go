package node

import (
	"errors"
	"net"
	"strconv"
	"testing"

	"slotkv/internal/cluster"
	"slotkv/internal/protocol"
	"slotkv/internal/transport"
)

func noDial(ip string, port uint16) (*transport.Connection, error) {
	return nil, errors.New("no dialing in tests")
}

func newTestNode(t *testing.T, serveAll bool) *Node {
	t.Helper()
	n := New(Config{
		Name:          "me",
		IP:            "127.0.0.1",
		ClientPort:    5000,
		ClusterPort:   15000,
		ServeAllSlots: serveAll,
	})
	n.state.Dial = noDial
	n.running.Store(true)
	return n
}

// addPeer inserts a peer without a live link.
func addPeer(n *Node, name, ip string, clientPort, clusterPort uint16) *cluster.Node {
	peer := &cluster.Node{Name: name, IP: ip, ClientPort: clientPort, ClusterPort: clusterPort}
	n.state.Nodes[name] = peer
	n.state.Size = len(n.state.Nodes)
	return peer
}

// session drives a node's connection handler over a pipe, one framed
// request and reply at a time.
type session struct {
	t    *testing.T
	conn *transport.Connection
}

func newSession(t *testing.T, n *Node) *session {
	t.Helper()
	serverEnd, clientEnd := net.Pipe()
	go n.handleConnection(transport.Wrap(serverEnd))
	s := &session{t: t, conn: transport.Wrap(clientEnd)}
	t.Cleanup(func() { s.conn.Close() })
	return s
}

func (s *session) request(ins protocol.Instruction, command protocol.Command, payload []byte, declared uint64) (protocol.Header, protocol.Command, []byte) {
	s.t.Helper()
	if declared < uint64(len(payload)) {
		declared = uint64(len(payload))
	}
	if err := protocol.SendInstructionDeclared(s.conn, command, ins, payload, declared); err != nil {
		s.t.Fatalf("send %v: %v", ins, err)
	}
	header, respCommand, respPayload, err := protocol.ReadResponse(s.conn)
	if err != nil {
		s.t.Fatalf("read response to %v: %v", ins, err)
	}
	return header, respCommand, respPayload
}

func (s *session) put(key string, chunk []byte, offset, totalSize uint64) (protocol.Header, []byte) {
	command := protocol.Command{
		key,
		strconv.FormatUint(uint64(len(chunk)), 10),
		strconv.FormatUint(offset, 10),
	}
	header, _, payload := s.request(protocol.InsPut, command, chunk, totalSize)
	return header, payload
}

func (s *session) get(key string, size, offset uint64, asking bool) (protocol.Header, protocol.Command, []byte) {
	command := protocol.Command{
		key,
		strconv.FormatUint(size, 10),
		strconv.FormatUint(offset, 10),
		strconv.FormatBool(asking),
	}
	return s.request(protocol.InsGet, command, nil, 0)
}

func (s *session) erase(key string, asking bool) (protocol.Header, []byte) {
	header, _, payload := s.request(protocol.InsErase, protocol.Command{key, strconv.FormatBool(asking)}, nil, 0)
	return header, payload
}

func checkInvariants(t *testing.T, n *Node) {
	t.Helper()
	myself := n.state.Myself

	if myself.NumSlotsServed != myself.ServedSlots.Count() {
		t.Errorf("num_slots_served = %d, popcount = %d", myself.NumSlotsServed, myself.ServedSlots.Count())
	}

	for i := range n.state.Slots {
		slot := &n.state.Slots[i]
		switch slot.State {
		case cluster.SlotNormal:
			if slot.MigrationPartner != nil {
				t.Errorf("slot %d NORMAL with migration partner", i)
			}
		case cluster.SlotMigrating:
			if slot.ServedBy != myself {
				t.Errorf("slot %d MIGRATING but not served by self", i)
			}
			if slot.MigrationPartner == nil {
				t.Errorf("slot %d MIGRATING without partner", i)
			}
		case cluster.SlotImporting:
			if slot.ServedBy == myself {
				t.Errorf("slot %d IMPORTING but served_by is self", i)
			}
			if !myself.ServedSlots.Test(uint16(i)) {
				t.Errorf("slot %d IMPORTING but not in served_slots", i)
			}
			if slot.MigrationPartner == nil {
				t.Errorf("slot %d IMPORTING without partner", i)
			}
		}
	}
}

// keyForSlot finds a key hashing to the wanted slot.
func keyForSlot(t *testing.T, slot uint16) string {
	t.Helper()
	key := "key"
	for i := 0; i < 10000; i++ {
		if cluster.KeySlot(key) == slot {
			return key
		}
		key += "1"
	}
	t.Fatalf("no key found for slot %d", slot)
	return ""
}

func TestPutGetRoundTrip(t *testing.T) {
	n := newTestNode(t, true)
	s := newSession(t, n)

	header, _ := s.put("k", []byte("v"), 0, 1)
	if header.Instruction != protocol.InsOKResponse {
		t.Fatalf("put response = %v, want OK_RESPONSE", header.Instruction)
	}

	header, command, payload := s.get("k", 0, 0, false)
	if header.Instruction != protocol.InsGetResponse {
		t.Fatalf("get response = %v, want GET_RESPONSE", header.Instruction)
	}
	if string(payload) != "v" {
		t.Fatalf("get payload = %q, want %q", payload, "v")
	}
	if command[protocol.GetResponseSize] != "1" || command[protocol.GetResponseOffset] != "0" {
		t.Fatalf("get response command = %v", command)
	}

	slot := cluster.KeySlot("k")
	if n.state.Slots[slot].AmountOfKeys != 1 {
		t.Fatalf("slot key count = %d, want 1", n.state.Slots[slot].AmountOfKeys)
	}
	checkInvariants(t, n)
}

func TestPutChunkedOverlay(t *testing.T) {
	n := newTestNode(t, true)
	s := newSession(t, n)

	// Two windowed writes assemble one value
	if header, _ := s.put("k", []byte("abc"), 0, 6); header.Instruction != protocol.InsOKResponse {
		t.Fatal("first chunk rejected")
	}
	if header, _ := s.put("k", []byte("def"), 3, 6); header.Instruction != protocol.InsOKResponse {
		t.Fatal("second chunk rejected")
	}

	_, _, payload := s.get("k", 0, 0, false)
	if string(payload) != "abcdef" {
		t.Fatalf("assembled value = %q, want %q", payload, "abcdef")
	}

	// The overlay path must not double-count the key
	slot := cluster.KeySlot("k")
	if n.state.Slots[slot].AmountOfKeys != 1 {
		t.Fatalf("slot key count = %d, want 1", n.state.Slots[slot].AmountOfKeys)
	}
}

func TestPutGrowsExistingValue(t *testing.T) {
	n := newTestNode(t, true)
	s := newSession(t, n)

	s.put("k", []byte("ab"), 0, 2)
	s.put("k", []byte("cdef"), 2, 2) // grows to offset+cur = 6

	_, _, payload := s.get("k", 0, 0, false)
	if string(payload) != "abcdef" {
		t.Fatalf("grown value = %q, want %q", payload, "abcdef")
	}
}

func TestGetRange(t *testing.T) {
	n := newTestNode(t, true)
	s := newSession(t, n)

	s.put("k", []byte("abcdef"), 0, 6)

	header, command, payload := s.get("k", 2, 1, false)
	if header.Instruction != protocol.InsGetResponse {
		t.Fatalf("get response = %v", header.Instruction)
	}
	if string(payload) != "bc" {
		t.Fatalf("range payload = %q, want %q", payload, "bc")
	}
	if command[protocol.GetResponseSize] != "6" {
		t.Fatalf("reported size = %q, want 6", command[protocol.GetResponseSize])
	}
}

func TestEraseThenGetNotFound(t *testing.T) {
	n := newTestNode(t, true)
	s := newSession(t, n)

	s.put("k", []byte("v"), 0, 1)
	if header, _ := s.erase("k", false); header.Instruction != protocol.InsOKResponse {
		t.Fatal("erase failed")
	}

	header, _, payload := s.get("k", 0, 0, false)
	if header.Instruction != protocol.InsErrorResponse {
		t.Fatalf("get after erase = %v (%q), want ERROR_RESPONSE", header.Instruction, payload)
	}

	slot := cluster.KeySlot("k")
	if n.state.Slots[slot].AmountOfKeys != 0 {
		t.Fatalf("slot key count = %d, want 0", n.state.Slots[slot].AmountOfKeys)
	}
	checkInvariants(t, n)
}

func TestUnownedSlotMove(t *testing.T) {
	n := newTestNode(t, false)
	owner := addPeer(n, "owner", "10.0.0.9", 5009, 15009)
	for i := range n.state.Slots {
		n.state.Slots[i].ServedBy = owner
	}
	s := newSession(t, n)

	header, command, _ := s.get("k", 0, 0, false)
	if header.Instruction != protocol.InsMove {
		t.Fatalf("response = %v, want MOVE", header.Instruction)
	}
	if command[protocol.RedirectIP] != "10.0.0.9" || command[protocol.RedirectClientPort] != "5009" {
		t.Fatalf("MOVE target = %v", command)
	}

	// State unchanged: nothing stored, no counts moved
	if n.kvs.Size() != 0 {
		t.Fatal("MOVE must not touch the store")
	}
	checkInvariants(t, n)
}

func TestUnownedSlotUnknownOwner(t *testing.T) {
	n := newTestNode(t, false)
	s := newSession(t, n)

	header, _, payload := s.get("k", 0, 0, false)
	if header.Instruction != protocol.InsErrorResponse {
		t.Fatalf("response = %v, want ERROR_RESPONSE", header.Instruction)
	}
	if string(payload) != "Slot not served by any node" {
		t.Fatalf("payload = %q", payload)
	}
}

func TestPutMovePreservesFraming(t *testing.T) {
	n := newTestNode(t, false)
	owner := addPeer(n, "owner", "10.0.0.9", 5009, 15009)
	for i := range n.state.Slots {
		n.state.Slots[i].ServedBy = owner
	}
	s := newSession(t, n)

	// The PUT payload must be drained even though the reply is MOVE,
	// so the next request on the same connection still parses.
	header, _ := s.put("k", []byte("payload-bytes"), 0, 13)
	if header.Instruction != protocol.InsMove {
		t.Fatalf("response = %v, want MOVE", header.Instruction)
	}

	header, _, _ = s.get("k", 0, 0, false)
	if header.Instruction != protocol.InsMove {
		t.Fatalf("follow-up response = %v, want MOVE", header.Instruction)
	}
}

func TestMigratingSlotAskOnMissingKey(t *testing.T) {
	n := newTestNode(t, true)
	partner := addPeer(n, "partner", "10.0.0.7", 5007, 15007)

	key := "k"
	slot := cluster.KeySlot(key)
	n.state.Slots[slot].State = cluster.SlotMigrating
	n.state.Slots[slot].MigrationPartner = partner
	n.state.Slots[slot].AmountOfKeys = 1 // some other key still here
	s := newSession(t, n)

	// GET of a locally missing key on a migrating slot redirects
	header, command, _ := s.get(key, 0, 0, false)
	if header.Instruction != protocol.InsAsk {
		t.Fatalf("get response = %v, want ASK", header.Instruction)
	}
	if command[protocol.RedirectIP] != "10.0.0.7" || command[protocol.RedirectClientPort] != "5007" {
		t.Fatalf("ASK target = %v", command)
	}

	// ERASE of a missing key without asking redirects too
	header, _ = s.erase(key, false)
	if header.Instruction != protocol.InsAsk {
		t.Fatalf("erase response = %v, want ASK", header.Instruction)
	}

	// With the asking flag the miss is final
	header, _ = s.erase(key, true)
	if header.Instruction != protocol.InsErrorResponse {
		t.Fatalf("asking erase response = %v, want ERROR_RESPONSE", header.Instruction)
	}
}

func TestMigratingSlotPutNewKeyAskAndDrain(t *testing.T) {
	n := newTestNode(t, true)
	partner := addPeer(n, "partner", "10.0.0.7", 5007, 15007)

	key := "k"
	slot := cluster.KeySlot(key)
	n.state.Slots[slot].State = cluster.SlotMigrating
	n.state.Slots[slot].MigrationPartner = partner
	n.state.Slots[slot].AmountOfKeys = 1
	s := newSession(t, n)

	header, _ := s.put(key, []byte("new-value"), 0, 9)
	if header.Instruction != protocol.InsAsk {
		t.Fatalf("put response = %v, want ASK", header.Instruction)
	}
	if n.kvs.Contains(key) {
		t.Fatal("ASKed put must not store locally")
	}

	// Framing still aligned after the drained payload
	header, _, _ = s.get(key, 0, 0, false)
	if header.Instruction != protocol.InsAsk {
		t.Fatalf("follow-up = %v, want ASK", header.Instruction)
	}
}

func TestMigratingSlotServesPresentKeys(t *testing.T) {
	n := newTestNode(t, true)
	partner := addPeer(n, "partner", "10.0.0.7", 5007, 15007)
	s := newSession(t, n)

	s.put("k", []byte("v"), 0, 1)
	slot := cluster.KeySlot("k")
	n.state.Slots[slot].State = cluster.SlotMigrating
	n.state.Slots[slot].MigrationPartner = partner

	// Present keys keep being served by the migrating owner
	header, _, payload := s.get("k", 0, 0, false)
	if header.Instruction != protocol.InsGetResponse || string(payload) != "v" {
		t.Fatalf("get = %v %q, want GET_RESPONSE %q", header.Instruction, payload, "v")
	}

	// Existing keys also keep accepting overlay writes
	header, _ = s.put("k", []byte("w"), 0, 1)
	if header.Instruction != protocol.InsOKResponse {
		t.Fatalf("overlay put on migrating slot = %v, want OK", header.Instruction)
	}
}

func importSlotSetup(t *testing.T, n *Node, slot uint16) *cluster.Node {
	t.Helper()
	partner := addPeer(n, "partner", "10.0.0.7", 5007, 15007)
	n.state.Slots[slot].ServedBy = partner

	s := newSession(t, n)
	command := protocol.Command{
		strconv.Itoa(int(slot)),
		"10.0.0.7",
		"5007",
	}
	header, _, _ := s.request(protocol.InsImportSlot, command, nil, 0)
	if header.Instruction != protocol.InsOKResponse {
		t.Fatalf("IMPORT_SLOT = %v, want OK_RESPONSE", header.Instruction)
	}
	return partner
}

func TestImportSlotTransition(t *testing.T) {
	n := newTestNode(t, false)
	importSlotSetup(t, n, 1)

	if n.state.Slots[1].State != cluster.SlotImporting {
		t.Fatalf("slot state = %v, want IMPORTING", n.state.Slots[1].State)
	}
	if !n.state.Myself.ServedSlots.Test(1) {
		t.Fatal("importing slot must be served immediately")
	}
	checkInvariants(t, n)
}

func TestImportingSlotGetRequiresAsking(t *testing.T) {
	n := newTestNode(t, false)
	importSlotSetup(t, n, 1)
	key := keyForSlot(t, 1)
	s := newSession(t, n)

	header, command, _ := s.get(key, 0, 0, false)
	if header.Instruction != protocol.InsNoAskingError {
		t.Fatalf("get without asking = %v, want NO_ASKING_ERROR", header.Instruction)
	}
	if command[protocol.RedirectIP] != "10.0.0.7" {
		t.Fatalf("NO_ASKING_ERROR target = %v", command)
	}

	// With the flag and the key present, the read succeeds
	n.kvs.Put(key, []byte("v"))
	header, _, payload := s.get(key, 0, 0, true)
	if header.Instruction != protocol.InsGetResponse || string(payload) != "v" {
		t.Fatalf("asking get = %v %q, want GET_RESPONSE %q", header.Instruction, payload, "v")
	}
}

func TestImportingSlotAcceptsPut(t *testing.T) {
	n := newTestNode(t, false)
	importSlotSetup(t, n, 1)
	key := keyForSlot(t, 1)
	s := newSession(t, n)

	header, _ := s.put(key, []byte("v"), 0, 1)
	if header.Instruction != protocol.InsOKResponse {
		t.Fatalf("put on importing slot = %v, want OK", header.Instruction)
	}
	if n.state.Slots[1].AmountOfKeys != 1 {
		t.Fatalf("importer key count = %d, want 1", n.state.Slots[1].AmountOfKeys)
	}
}

func TestMigrateSlotTransition(t *testing.T) {
	n := newTestNode(t, true)
	addPeer(n, "partner", "10.0.0.7", 5007, 15007)
	s := newSession(t, n)

	key := keyForSlot(t, 2)
	s.put(key, []byte("v"), 0, 1)

	command := protocol.Command{"2", "10.0.0.7", "5007"}
	header, _, _ := s.request(protocol.InsMigrateSlot, command, nil, 0)
	if header.Instruction != protocol.InsOKResponse {
		t.Fatalf("MIGRATE_SLOT = %v, want OK_RESPONSE", header.Instruction)
	}
	if n.state.Slots[2].State != cluster.SlotMigrating {
		t.Fatalf("slot state = %v, want MIGRATING", n.state.Slots[2].State)
	}
	checkInvariants(t, n)
}

func TestMigrateSlotZeroKeysNoOp(t *testing.T) {
	n := newTestNode(t, true)
	addPeer(n, "partner", "10.0.0.7", 5007, 15007)
	s := newSession(t, n)

	command := protocol.Command{"2", "10.0.0.7", "5007"}
	header, _, _ := s.request(protocol.InsMigrateSlot, command, nil, 0)
	if header.Instruction != protocol.InsOKResponse {
		t.Fatalf("MIGRATE_SLOT = %v, want OK_RESPONSE", header.Instruction)
	}
	// Logically migrated already: no state change
	if n.state.Slots[2].State != cluster.SlotNormal || n.state.Slots[2].MigrationPartner != nil {
		t.Fatal("zero-key migrate must be a no-op")
	}
}

func TestMigrateSlotAlreadyMigrating(t *testing.T) {
	n := newTestNode(t, true)
	partner := addPeer(n, "partner", "10.0.0.7", 5007, 15007)
	n.state.Slots[2].State = cluster.SlotMigrating
	n.state.Slots[2].MigrationPartner = partner
	s := newSession(t, n)

	command := protocol.Command{"2", "10.0.0.7", "5007"}
	header, _, payload := s.request(protocol.InsMigrateSlot, command, nil, 0)
	if header.Instruction != protocol.InsErrorResponse {
		t.Fatalf("response = %v, want ERROR_RESPONSE", header.Instruction)
	}
	if string(payload) != "Slot already in process of migrating" {
		t.Fatalf("payload = %q", payload)
	}
}

func TestMigrateSlotUnknownPartner(t *testing.T) {
	n := newTestNode(t, true)
	s := newSession(t, n)

	command := protocol.Command{"2", "10.9.9.9", "5999"}
	header, _, payload := s.request(protocol.InsMigrateSlot, command, nil, 0)
	if header.Instruction != protocol.InsErrorResponse {
		t.Fatalf("response = %v, want ERROR_RESPONSE", header.Instruction)
	}
	if string(payload) != "Other node not part of the cluster" {
		t.Fatalf("payload = %q", payload)
	}
}

func TestEraseDrainsSlotAndFlipsOwnership(t *testing.T) {
	n := newTestNode(t, true)
	partner := addPeer(n, "partner", "10.0.0.7", 5007, 15007)

	// Fake peer on the other end of the cluster link
	peerEnd, linkEnd := net.Pipe()
	partner.Link = transport.Wrap(linkEnd)
	peer := transport.Wrap(peerEnd)
	finished := make(chan protocol.Command, 1)
	go func() {
		header, command, _, err := protocol.ReadResponse(peer)
		if err == nil && header.Instruction == protocol.InsClusterMigrationFinished {
			finished <- command
		}
		close(finished)
	}()

	s := newSession(t, n)
	key := "k"
	slot := cluster.KeySlot(key)
	s.put(key, []byte("v"), 0, 1)

	n.state.Slots[slot].State = cluster.SlotMigrating
	n.state.Slots[slot].MigrationPartner = partner

	header, _ := s.erase(key, false)
	if header.Instruction != protocol.InsOKResponse {
		t.Fatalf("erase = %v, want OK_RESPONSE", header.Instruction)
	}

	// Ownership flipped to the partner
	if n.state.Slots[slot].State != cluster.SlotNormal {
		t.Fatalf("slot state = %v, want NORMAL", n.state.Slots[slot].State)
	}
	if n.state.Slots[slot].ServedBy != partner {
		t.Fatal("served_by should be the former partner")
	}
	if n.state.Slots[slot].MigrationPartner != nil {
		t.Fatal("migration partner should be cleared")
	}
	if n.state.Myself.ServedSlots.Test(slot) {
		t.Fatal("slot should no longer be served locally")
	}
	checkInvariants(t, n)

	// The partner was told the migration finished
	command, ok := <-finished
	if !ok {
		t.Fatal("no CLUSTER_MIGRATION_FINISHED received")
	}
	if command[protocol.MigrationFinishedSlot] != strconv.Itoa(int(slot)) {
		t.Fatalf("finished slot = %v, want %d", command, slot)
	}
}

func TestMigrationFinishedOnImporter(t *testing.T) {
	n := newTestNode(t, false)
	importSlotSetup(t, n, 1)

	s := newSession(t, n)
	if err := protocol.SendInstruction(s.conn, protocol.Command{"1"}, protocol.InsClusterMigrationFinished, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	// No reply travels; use a follow-up request as a barrier
	header, _, _ := s.request(protocol.InsGetSlots, nil, nil, 0)
	if header.Instruction != protocol.InsOKResponse {
		t.Fatalf("barrier response = %v", header.Instruction)
	}

	if n.state.Slots[1].State != cluster.SlotNormal {
		t.Fatalf("slot state = %v, want NORMAL", n.state.Slots[1].State)
	}
	if n.state.Slots[1].ServedBy != n.state.Myself {
		t.Fatal("importer should own the slot after migration finished")
	}
	if n.state.Slots[1].MigrationPartner != nil {
		t.Fatal("migration partner should be cleared")
	}
	checkInvariants(t, n)
}

func TestMeetAddsNode(t *testing.T) {
	n := newTestNode(t, true)

	// MEET dials the new peer's cluster port; accept it locally
	listener, err := transport.Listen(0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go listener.Accept()
	n.state.Dial = transport.Dial

	s := newSession(t, n)
	command := protocol.Command{
		"127.0.0.1",
		"5001",
		strconv.Itoa(int(listener.Port())),
		"peer",
	}
	header, _, _ := s.request(protocol.InsMeet, command, nil, 0)
	if header.Instruction != protocol.InsOKResponse {
		t.Fatalf("MEET = %v, want OK_RESPONSE", header.Instruction)
	}

	peer, known := n.state.Nodes["peer"]
	if !known {
		t.Fatal("peer not in node table after MEET")
	}
	if peer.ClientPort != 5001 {
		t.Fatalf("peer client port = %d, want 5001", peer.ClientPort)
	}

	// Duplicate MEET is rejected
	header, _, payload := s.request(protocol.InsMeet, command, nil, 0)
	if header.Instruction != protocol.InsErrorResponse {
		t.Fatalf("duplicate MEET = %v (%q), want ERROR_RESPONSE", header.Instruction, payload)
	}
}

func TestGetSlotsText(t *testing.T) {
	n := newTestNode(t, true)
	s := newSession(t, n)

	header, _, payload := s.request(protocol.InsGetSlots, nil, nil, 0)
	if header.Instruction != protocol.InsOKResponse {
		t.Fatalf("GET_SLOTS = %v, want OK_RESPONSE", header.Instruction)
	}
	want := "0\t2\t127.0.0.1:5000"
	if string(payload) != want {
		t.Fatalf("slots payload = %q, want %q", payload, want)
	}
}

func TestWrongArgumentCount(t *testing.T) {
	n := newTestNode(t, true)
	s := newSession(t, n)

	header, _, payload := s.request(protocol.InsGet, protocol.Command{"k", "0"}, nil, 0)
	if header.Instruction != protocol.InsErrorResponse {
		t.Fatalf("response = %v, want ERROR_RESPONSE", header.Instruction)
	}
	if string(payload) != "Wrong number of arguments for GET" {
		t.Fatalf("payload = %q", payload)
	}
}

func TestUnknownInstruction(t *testing.T) {
	n := newTestNode(t, true)
	s := newSession(t, n)

	header, _, payload := s.request(protocol.Instruction(99), nil, nil, 0)
	if header.Instruction != protocol.InsErrorResponse {
		t.Fatalf("response = %v, want ERROR_RESPONSE", header.Instruction)
	}
	if string(payload) != "Unknown instruction" {
		t.Fatalf("payload = %q", payload)
	}
}
