// Package client is the SDK for talking to a slotkv cluster: it keeps
// one connection per known node, caches slot ownership and follows
// MOVE/ASK redirects transparently.
package client

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"

	"slotkv/internal/cluster"
	"slotkv/internal/protocol"
	"slotkv/internal/status"
	"slotkv/internal/transport"
)

// maxRedirects bounds redirect chains so a confused or flapping
// cluster cannot loop a request forever.
const maxRedirects = 5

type Client struct {
	mu    sync.Mutex
	conns map[string]*transport.Connection
	slots [cluster.AmountOfSlots]string // "ip:port", "" = unknown

	dial func(ip string, port uint16) (*transport.Connection, error)
}

func New() *Client {
	return &Client{
		conns: make(map[string]*transport.Connection),
		dial:  transport.Dial,
	}
}

// ConnectToNode opens (or reuses) a connection to ip:port.
func (c *Client) ConnectToNode(ip string, port uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.connLocked(joinAddr(ip, port))
	return err
}

// DisconnectAll closes every pooled connection.
func (c *Client) DisconnectAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, conn := range c.conns {
		conn.Close()
		delete(c.conns, addr)
	}
}

func joinAddr(ip string, port uint16) string {
	return ip + ":" + strconv.Itoa(int(port))
}

func splitAddr(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}

func (c *Client) connLocked(addr string) (*transport.Connection, error) {
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	ip, port, err := splitAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("bad node address %q: %w", addr, err)
	}
	conn, err := c.dial(ip, port)
	if err != nil {
		return nil, err
	}
	c.conns[addr] = conn
	return conn, nil
}

// dropConnLocked forgets a connection after a transport failure so the
// next operation re-dials.
func (c *Client) dropConnLocked(addr string) {
	if conn, ok := c.conns[addr]; ok {
		conn.Close()
		delete(c.conns, addr)
	}
}

// pickLocked chooses the connection for a slot: the cached owner when
// known, any pooled connection for bootstrap otherwise.
func (c *Client) pickLocked(slot uint16) (string, *transport.Connection, status.Status) {
	if addr := c.slots[slot]; addr != "" {
		if conn, ok := c.conns[addr]; ok {
			return addr, conn, status.OK()
		}
	}
	return c.randomLocked()
}

func (c *Client) randomLocked() (string, *transport.Connection, status.Status) {
	if len(c.conns) == 0 {
		return "", nil, status.Error("Not connected to any node")
	}
	index := rand.Intn(len(c.conns))
	for addr, conn := range c.conns {
		if index == 0 {
			return addr, conn, status.OK()
		}
		index--
	}
	return "", nil, status.Error("Not connected to any node")
}

// operation is one retryable request: the command may depend on the
// asking flag of the current attempt.
type operation struct {
	instruction protocol.Instruction
	command     func(asking bool) protocol.Command
	payload     []byte
	declared    uint64
	slot        uint16
	// updateSlotCache marks ops whose MOVE redirects should retarget
	// the slot cache (all keyed operations).
	updateSlotCache bool
}

// run sends an operation and follows redirects per the routing
// contract: MOVE retargets the slot cache and retries, ASK retries
// against the named node with the asking flag and leaves the cache
// alone, NO_ASKING_ERROR retries there without the flag.
func (c *Client) run(addr string, conn *transport.Connection, op operation, asking bool, depth int) ([]byte, status.Status) {
	if depth > maxRedirects {
		return nil, status.Error("Too many redirects")
	}

	declared := op.declared
	if declared < uint64(len(op.payload)) {
		declared = uint64(len(op.payload))
	}
	err := protocol.SendInstructionDeclared(conn, op.command(asking), op.instruction, op.payload, declared)
	if err != nil {
		c.dropConnLocked(addr)
		return nil, status.Error("Transport failure: " + err.Error())
	}

	header, command, payload, err := protocol.ReadResponse(conn)
	if err != nil {
		c.dropConnLocked(addr)
		return nil, status.Error("Transport failure: " + err.Error())
	}

	switch header.Instruction {
	case protocol.InsOKResponse, protocol.InsGetResponse:
		return payload, status.OK()

	case protocol.InsErrorResponse:
		return nil, status.Error(string(payload))

	case protocol.InsMove:
		other, st := redirectTarget(command)
		if !st.IsOK() {
			return nil, st
		}
		if op.updateSlotCache {
			c.slots[op.slot] = other
		}
		nextConn, err := c.connLocked(other)
		if err != nil {
			return nil, status.Error("Could not follow MOVE: " + err.Error())
		}
		return c.run(other, nextConn, op, false, depth+1)

	case protocol.InsAsk:
		other, st := redirectTarget(command)
		if !st.IsOK() {
			return nil, st
		}
		nextConn, err := c.connLocked(other)
		if err != nil {
			return nil, status.Error("Could not follow ASK: " + err.Error())
		}
		return c.run(other, nextConn, op, true, depth+1)

	case protocol.InsNoAskingError:
		other, st := redirectTarget(command)
		if !st.IsOK() {
			return nil, st
		}
		nextConn, err := c.connLocked(other)
		if err != nil {
			return nil, status.Error("Could not follow redirect: " + err.Error())
		}
		return c.run(other, nextConn, op, false, depth+1)

	default:
		return nil, status.UnknownResponse("Unexpected response " + header.Instruction.String())
	}
}

func redirectTarget(command protocol.Command) (string, status.Status) {
	if len(command) != 2 {
		return "", status.UnknownResponse("Malformed redirect")
	}
	port, err := strconv.ParseUint(command[protocol.RedirectClientPort], 10, 16)
	if err != nil {
		return "", status.UnknownResponse("Malformed redirect port")
	}
	return joinAddr(command[protocol.RedirectIP], uint16(port)), status.OK()
}

func (c *Client) runKeyed(op operation) ([]byte, status.Status) {
	addr, conn, st := c.pickLocked(op.slot)
	if !st.IsOK() {
		return nil, st
	}
	return c.run(addr, conn, op, false, 0)
}

// Put stores a whole value under key.
func (c *Client) Put(key string, value []byte) status.Status {
	return c.PutChunk(key, value, 0, uint64(len(value)))
}

// PutChunk stores one window of a value: len(chunk) bytes landing at
// offset, with totalSize the declared full size the node allocates up
// front. Existing values grow as needed and the chunk overlays in
// place.
func (c *Client) PutChunk(key string, chunk []byte, offset, totalSize uint64) status.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := operation{
		instruction: protocol.InsPut,
		command: func(asking bool) protocol.Command {
			return protocol.Command{
				key,
				strconv.FormatUint(uint64(len(chunk)), 10),
				strconv.FormatUint(offset, 10),
			}
		},
		payload:         chunk,
		declared:        totalSize,
		slot:            cluster.KeySlot(key),
		updateSlotCache: true,
	}
	_, st := c.runKeyed(op)
	return st
}

// Get reads the whole value stored under key.
func (c *Client) Get(key string) ([]byte, status.Status) {
	return c.GetRange(key, 0, 0)
}

// GetRange reads size bytes from offset; size 0 means to the end.
func (c *Client) GetRange(key string, size, offset uint64) ([]byte, status.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := operation{
		instruction: protocol.InsGet,
		command: func(asking bool) protocol.Command {
			return protocol.Command{
				key,
				strconv.FormatUint(size, 10),
				strconv.FormatUint(offset, 10),
				strconv.FormatBool(asking),
			}
		},
		slot:            cluster.KeySlot(key),
		updateSlotCache: true,
	}
	return c.runKeyed(op)
}

// Erase removes key from the cluster.
func (c *Client) Erase(key string) status.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := operation{
		instruction: protocol.InsErase,
		command: func(asking bool) protocol.Command {
			return protocol.Command{key, strconv.FormatBool(asking)}
		},
		slot:            cluster.KeySlot(key),
		updateSlotCache: true,
	}
	_, st := c.runKeyed(op)
	return st
}

// UpdateSlotInfo asks a random node for the slot table and refills the
// slot cache from the run-length text form.
func (c *Client) UpdateSlotInfo() status.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr, conn, st := c.randomLocked()
	if !st.IsOK() {
		return st
	}

	op := operation{
		instruction: protocol.InsGetSlots,
		command:     func(bool) protocol.Command { return nil },
	}
	payload, st := c.run(addr, conn, op, false, 0)
	if !st.IsOK() {
		return st
	}
	return c.parseSlotInfoLocked(string(payload))
}

func (c *Client) parseSlotInfoLocked(text string) status.Status {
	if text == "" {
		return status.OK()
	}
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return status.UnknownResponse("Malformed slot info line: " + line)
		}
		first, errFirst := strconv.Atoi(fields[0])
		last, errLast := strconv.Atoi(fields[1])
		if errFirst != nil || errLast != nil || first < 0 || last >= int(cluster.AmountOfSlots) || first > last {
			return status.UnknownResponse("Malformed slot info range: " + line)
		}

		addr := fields[2]
		if addr == "NULL" {
			addr = ""
		}
		for slot := first; slot <= last; slot++ {
			c.slots[slot] = addr
		}
	}
	return status.OK()
}

// SlotOwner reports the cached owner of a slot ("" = unknown).
func (c *Client) SlotOwner(slot uint16) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot >= cluster.AmountOfSlots {
		return ""
	}
	return c.slots[slot]
}

// AddNodeToCluster introduces a new node via MEET through any
// connected node, then connects the client to it.
func (c *Client) AddNodeToCluster(name, ip string, clientPort, clusterPort uint16) status.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr, conn, st := c.randomLocked()
	if !st.IsOK() {
		return st
	}

	op := operation{
		instruction: protocol.InsMeet,
		command: func(bool) protocol.Command {
			return protocol.Command{
				ip,
				strconv.Itoa(int(clientPort)),
				strconv.Itoa(int(clusterPort)),
				name,
			}
		},
	}
	if _, st := c.run(addr, conn, op, false, 0); !st.IsOK() {
		return st
	}

	if _, err := c.connLocked(joinAddr(ip, clientPort)); err != nil {
		return status.Error("Could not connect to new node: " + err.Error())
	}
	return status.OK()
}

// MigrateSlot tells the current owner of slot to start draining it
// toward target ip:port. The slot cache must know the owner; call
// UpdateSlotInfo first.
func (c *Client) MigrateSlot(slot uint16, targetIP string, targetClientPort uint16) status.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot >= cluster.AmountOfSlots {
		return status.InvalidArgument("Slot out of range")
	}
	owner := c.slots[slot]
	if owner == "" {
		return status.Error("Owner of slot unknown, update slot info first")
	}
	conn, err := c.connLocked(owner)
	if err != nil {
		return status.Error("Could not connect to slot owner: " + err.Error())
	}

	op := operation{
		instruction: protocol.InsMigrateSlot,
		command: func(bool) protocol.Command {
			return protocol.Command{
				strconv.Itoa(int(slot)),
				targetIP,
				strconv.Itoa(int(targetClientPort)),
			}
		},
	}
	_, st := c.run(owner, conn, op, false, 0)
	return st
}

// ImportSlot tells the receiving node at target ip:port to start
// importing slot from its current owner.
func (c *Client) ImportSlot(slot uint16, targetIP string, targetClientPort uint16) status.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot >= cluster.AmountOfSlots {
		return status.InvalidArgument("Slot out of range")
	}
	owner := c.slots[slot]
	if owner == "" {
		return status.Error("Owner of slot unknown, update slot info first")
	}
	ownerIP, ownerPort, err := splitAddr(owner)
	if err != nil {
		return status.Error("Bad owner address: " + err.Error())
	}

	target := joinAddr(targetIP, targetClientPort)
	conn, err := c.connLocked(target)
	if err != nil {
		return status.Error("Could not connect to importing node: " + err.Error())
	}

	op := operation{
		instruction: protocol.InsImportSlot,
		command: func(bool) protocol.Command {
			return protocol.Command{
				strconv.Itoa(int(slot)),
				ownerIP,
				strconv.Itoa(int(ownerPort)),
			}
		},
	}
	_, st := c.run(target, conn, op, false, 0)
	return st
}
