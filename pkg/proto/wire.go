// Package proto implements the plog datagram wire format: raw messages,
// four-letter commands and v0 fragments.
package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Framing constants.
const (
	HeaderSize = 24 // version(1) type(1) count(2) index(2) size(2) id(4) length(4) hash(4) tags(2) reserved(2)

	// MaxVersionByte is the highest first byte treated as a version identifier.
	// Anything above it (or a byte >= 0x80) starts a raw message.
	MaxVersionByte = 31

	VersionV0 = 0x00

	TypeCommand  = 0x00
	TypeFragment = 0x01

	CommandNameSize = 4
	commandOffset   = 2
	commandHeader   = commandOffset + CommandNameSize
)

// Header field offsets.
const (
	offCount   = 2
	offIndex   = 4
	offSize    = 6
	offID      = 8
	offLength  = 12
	offHash    = 16
	offTagsLen = 20
)

var (
	ErrEmptyDatagram  = errors.New("empty datagram")
	ErrInvalidVersion = errors.New("invalid version")
	ErrInvalidType    = errors.New("invalid type")
	ErrInvalidHeader  = errors.New("invalid fragment header")
	ErrUnknownCommand = errors.New("unknown command")
)

// Kind classifies a parsed datagram.
type Kind int

const (
	KindRaw Kind = iota
	KindCommand
	KindFragment
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindCommand:
		return "command"
	case KindFragment:
		return "fragment"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Command is a four-letter control request.
type Command struct {
	Name    string // as sent, not normalized
	Trailer []byte // echoed back by PING
}

// Fragment is one datagram's share of a (possibly single-packet) message.
type Fragment struct {
	Count       int
	Index       int
	Size        int // payload length of every non-final fragment
	MsgID       uint64
	TotalLength int
	MsgHash     uint32
	Tags        []string
	Payload     []byte
}

// IsAlone reports whether the fragment carries the whole message.
func (f *Fragment) IsAlone() bool {
	return f.Count == 1
}

// IsLast reports whether this is the final fragment of its message.
func (f *Fragment) IsLast() bool {
	return f.Index == f.Count-1
}

// Offset returns where this fragment's payload starts in the reassembled message.
func (f *Fragment) Offset() int {
	return f.Size * f.Index
}

// ExpectedLength returns the payload length this fragment must carry.
func (f *Fragment) ExpectedLength() int {
	if f.IsLast() {
		return f.TotalLength - f.Offset()
	}
	return f.Size
}

// Datagram is the classified form of one inbound packet.
type Datagram struct {
	Kind     Kind
	Raw      []byte
	Command  *Command
	Fragment *Fragment
}

// Parse classifies a datagram received from the given source port.
// The returned structures alias data.
func Parse(data []byte, port int) (*Datagram, error) {
	if len(data) == 0 {
		return nil, ErrEmptyDatagram
	}

	version := data[0]
	if version > MaxVersionByte {
		return &Datagram{Kind: KindRaw, Raw: data}, nil
	}
	if version != VersionV0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: missing type byte", ErrInvalidType)
	}

	switch data[1] {
	case TypeCommand:
		cmd, err := parseCommand(data)
		if err != nil {
			return nil, err
		}
		return &Datagram{Kind: KindCommand, Command: cmd}, nil
	case TypeFragment:
		frag, err := ParseFragment(data, port)
		if err != nil {
			return nil, err
		}
		return &Datagram{Kind: KindFragment, Fragment: frag}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidType, data[1])
	}
}

func parseCommand(data []byte) (*Command, error) {
	if len(data) < commandHeader {
		return nil, fmt.Errorf("%w: command too short: %d < %d", ErrUnknownCommand, len(data), commandHeader)
	}
	return &Command{
		Name:    string(data[commandOffset:commandHeader]),
		Trailer: data[commandHeader:],
	}, nil
}

// ParseFragment parses a v0 fragment datagram.
func ParseFragment(data []byte, port int) (*Fragment, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: packet too short: %d < %d", ErrInvalidHeader, len(data), HeaderSize)
	}

	count := int(binary.BigEndian.Uint16(data[offCount:]))
	index := int(binary.BigEndian.Uint16(data[offIndex:]))
	size := int(binary.BigEndian.Uint16(data[offSize:]))
	idLow := binary.BigEndian.Uint32(data[offID:])
	length := int32(binary.BigEndian.Uint32(data[offLength:]))
	hash := binary.BigEndian.Uint32(data[offHash:])
	tagsLen := int(binary.BigEndian.Uint16(data[offTagsLen:]))

	if count == 0 {
		return nil, fmt.Errorf("%w: zero fragment count", ErrInvalidHeader)
	}
	if index >= count {
		return nil, fmt.Errorf("%w: index %d >= count %d", ErrInvalidHeader, index, count)
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrInvalidHeader, length)
	}
	if HeaderSize+tagsLen > len(data) {
		return nil, fmt.Errorf("%w: tags buffer %d exceeds packet", ErrInvalidHeader, tagsLen)
	}

	var tags []string
	if tagsLen > 0 {
		tags = parseTags(data[HeaderSize : HeaderSize+tagsLen])
	}

	return &Fragment{
		Count:       count,
		Index:       index,
		Size:        size,
		MsgID:       MessageID(port, idLow),
		TotalLength: int(length),
		MsgHash:     hash,
		Tags:        tags,
		Payload:     data[HeaderSize+tagsLen:],
	}, nil
}

func parseTags(buf []byte) []string {
	var tags []string
	for _, raw := range bytes.Split(buf, []byte{0}) {
		if len(raw) == 0 {
			continue
		}
		tags = append(tags, strings.ToValidUTF8(string(raw), "�"))
	}
	return tags
}

// MessageID packs a sender port and its 32-bit message counter.
func MessageID(port int, low uint32) uint64 {
	return uint64(uint32(port))<<32 | uint64(low)
}

// SplitMessageID is the inverse of MessageID.
func SplitMessageID(id uint64) (port int, low uint32) {
	return int(id >> 32), uint32(id)
}
