// Package protocol implements the framed wire format shared by the
// client and cluster channels. Every message is header | command |
// payload: a fixed 20-byte big-endian header, argc length-prefixed
// command arguments, then payload_size raw bytes.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"slotkv/internal/status"
	"slotkv/internal/transport"
)

// Instruction is the opcode carried in the message header.
type Instruction uint8

const (
	InsPut Instruction = iota
	InsGet
	InsErase
	InsGetResponse
	InsOKResponse
	InsErrorResponse
	InsClusterPing
	InsMeet
	InsMove
	InsImportSlot
	InsMigrateSlot
	InsAsk
	InsNoAskingError
	InsClusterMigrationFinished
	InsGetSlots

	instructionCount
)

var instructionNames = [instructionCount]string{
	"PUT", "GET", "ERASE", "GET_RESPONSE", "OK_RESPONSE", "ERROR_RESPONSE",
	"CLUSTER_PING", "MEET", "MOVE", "IMPORT_SLOT", "MIGRATE_SLOT", "ASK",
	"NO_ASKING_ERROR", "CLUSTER_MIGRATION_FINISHED", "GET_SLOTS",
}

func (i Instruction) String() string {
	if i < instructionCount {
		return instructionNames[i]
	}
	return fmt.Sprintf("INSTRUCTION(%d)", uint8(i))
}

// HeaderSize is the fixed wire size of the header: argc u16, instruction
// u8, one pad byte, command_size u64, payload_size u64, all big-endian.
const HeaderSize = 20

// Header is the decoded fixed message header.
type Header struct {
	Argc        uint16
	Instruction Instruction
	CommandSize uint64
	PayloadSize uint64
}

// Command is the positional argument list of a message. Numeric
// arguments travel as decimal ASCII.
type Command []string

// ErrProtocol reports a framing violation. The connection carrying it
// is no longer aligned and must be closed.
var ErrProtocol = errors.New("protocol error")

// maxCommandSize bounds the command region so a corrupt header cannot
// drive an unbounded allocation.
const maxCommandSize = 1 << 20

// EncodeHeader writes h into a fresh HeaderSize buffer.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.Argc)
	buf[2] = uint8(h.Instruction)
	// buf[3] is the pad byte
	binary.BigEndian.PutUint64(buf[4:12], h.CommandSize)
	binary.BigEndian.PutUint64(buf[12:20], h.PayloadSize)
	return buf
}

// DecodeHeader parses a HeaderSize buffer.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("%w: header is %d bytes, want %d", ErrProtocol, len(buf), HeaderSize)
	}
	return Header{
		Argc:        binary.BigEndian.Uint16(buf[0:2]),
		Instruction: Instruction(buf[2]),
		CommandSize: binary.BigEndian.Uint64(buf[4:12]),
		PayloadSize: binary.BigEndian.Uint64(buf[12:20]),
	}, nil
}

// ReadHeader receives one header from the connection.
func ReadHeader(c *transport.Connection) (Header, error) {
	buf := make([]byte, HeaderSize)
	if err := c.ReadFull(buf); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return DecodeHeader(buf)
}

// ReadCommand receives the command region and splits it into argc
// length-prefixed arguments.
func ReadCommand(c *transport.Connection, argc uint16, commandSize uint64) (Command, error) {
	if argc == 0 || commandSize == 0 {
		if argc != 0 || commandSize != 0 {
			return nil, fmt.Errorf("%w: argc %d with command size %d", ErrProtocol, argc, commandSize)
		}
		return nil, nil
	}
	if commandSize > maxCommandSize {
		return nil, fmt.Errorf("%w: command size %d exceeds limit", ErrProtocol, commandSize)
	}

	buf := make([]byte, commandSize)
	if err := c.ReadFull(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return decodeCommand(buf, argc)
}

func decodeCommand(buf []byte, argc uint16) (Command, error) {
	command := make(Command, 0, argc)
	offset := uint64(0)
	for i := uint16(0); i < argc; i++ {
		if uint64(len(buf))-offset < 8 {
			return nil, fmt.Errorf("%w: truncated argument length", ErrProtocol)
		}
		size := binary.BigEndian.Uint64(buf[offset : offset+8])
		offset += 8
		if uint64(len(buf))-offset < size {
			return nil, fmt.Errorf("%w: argument %d overruns command region", ErrProtocol, i)
		}
		command = append(command, string(buf[offset:offset+size]))
		offset += size
	}
	if offset != uint64(len(buf)) {
		return nil, fmt.Errorf("%w: %d trailing bytes in command region", ErrProtocol, uint64(len(buf))-offset)
	}
	return command, nil
}

// ReadPayload receives payloadSize raw bytes.
func ReadPayload(c *transport.Connection, payloadSize uint64) ([]byte, error) {
	buf := make([]byte, payloadSize)
	if err := c.ReadFull(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return buf, nil
}

// ReadPayloadInto receives len(dest) raw payload bytes into dest.
func ReadPayloadInto(c *transport.Connection, dest []byte) error {
	if err := c.ReadFull(dest); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// CommandSize reports the wire size of the command region.
func CommandSize(command Command) uint64 {
	size := uint64(0)
	for _, arg := range command {
		size += 8 + uint64(len(arg))
	}
	return size
}

func encodeCommand(command Command, buf []byte) {
	offset := 0
	for _, arg := range command {
		binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(len(arg)))
		offset += 8
		copy(buf[offset:], arg)
		offset += len(arg)
	}
}

// SendInstruction frames and sends one message. Header and command go
// out in a single write so the header is never split across sends; the
// payload follows in its own write.
func SendInstruction(c *transport.Connection, command Command, ins Instruction, payload []byte) error {
	return SendInstructionDeclared(c, command, ins, payload, uint64(len(payload)))
}

// SendInstructionDeclared frames a message whose header declares a
// payload size different from the bytes sent with it. Chunked PUTs use
// this: the header announces the value's total size while only the
// current chunk travels now.
func SendInstructionDeclared(c *transport.Connection, command Command, ins Instruction, payload []byte, declaredPayloadSize uint64) error {
	commandSize := CommandSize(command)
	header := Header{
		Argc:        uint16(len(command)),
		Instruction: ins,
		CommandSize: commandSize,
		PayloadSize: declaredPayloadSize,
	}

	buf := make([]byte, HeaderSize+commandSize)
	copy(buf, EncodeHeader(header))
	encodeCommand(command, buf[HeaderSize:])
	if err := c.Write(buf); err != nil {
		return err
	}

	if len(payload) > 0 {
		return c.Write(payload)
	}
	return nil
}

// SendStatus reports a handler result: OK_RESPONSE for an ok Status,
// ERROR_RESPONSE with the message as payload otherwise.
func SendStatus(c *transport.Connection, st status.Status) error {
	if st.IsOK() {
		return SendInstruction(c, nil, InsOKResponse, nil)
	}
	return SendInstruction(c, nil, InsErrorResponse, []byte(st.Msg()))
}

// ReadResponse receives one full framed message, payload included.
func ReadResponse(c *transport.Connection) (Header, Command, []byte, error) {
	header, err := ReadHeader(c)
	if err != nil {
		return Header{}, nil, nil, err
	}
	command, err := ReadCommand(c, header.Argc, header.CommandSize)
	if err != nil {
		return Header{}, nil, nil, err
	}
	payload, err := ReadPayload(c, header.PayloadSize)
	if err != nil {
		return Header{}, nil, nil, err
	}
	return header, command, payload, nil
}
