package proto

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Fragmenter splits messages into v0 fragment datagrams no larger than a
// configured size.
type Fragmenter struct {
	payloadSize int
}

// NewFragmenter returns a Fragmenter producing datagrams of at most
// maxFragmentSize bytes, header included.
func NewFragmenter(maxFragmentSize int) (*Fragmenter, error) {
	payloadSize := maxFragmentSize - HeaderSize
	if payloadSize < 1 {
		return nil, fmt.Errorf("fragment size must be > %d, got %d", HeaderSize, maxFragmentSize)
	}
	if payloadSize > math.MaxUint16 {
		return nil, fmt.Errorf("fragment payload %d exceeds %d", payloadSize, math.MaxUint16)
	}
	return &Fragmenter{payloadSize: payloadSize}, nil
}

// PayloadSize returns the number of payload bytes carried per fragment.
func (f *Fragmenter) PayloadSize() int {
	return f.payloadSize
}

// Fragment encodes payload as message id. Tags travel in the last fragment.
func (f *Fragmenter) Fragment(id uint32, payload []byte, tags []string) ([][]byte, error) {
	if len(payload) > math.MaxInt32 {
		return nil, fmt.Errorf("payload too large: %d bytes", len(payload))
	}

	var tagsBuf []byte
	if len(tags) > 0 {
		tagsBuf = []byte(strings.Join(tags, "\x00"))
		if len(tagsBuf) > f.payloadSize {
			return nil, fmt.Errorf("cannot store %d bytes of tags in %d bytes", len(tagsBuf), f.payloadSize)
		}
	}

	// Every fragment but the last carries a full payload; the last carries
	// the tags and whatever payload remains.
	count := max(1, (len(payload)+f.payloadSize-1)/f.payloadSize)
	if rest := len(payload) - f.payloadSize*(count-1); rest+len(tagsBuf) > f.payloadSize {
		if rest != f.payloadSize {
			return nil, fmt.Errorf("%d bytes of tags do not fit beside the last %d payload bytes", len(tagsBuf), rest)
		}
		count++
	}
	if count > math.MaxUint16 {
		return nil, fmt.Errorf("message needs %d fragments, max %d", count, math.MaxUint16)
	}

	hash := Checksum(payload)
	out := make([][]byte, count)
	offset := 0
	for i := 0; i < count-1; i++ {
		buf := make([]byte, HeaderSize+f.payloadSize)
		f.putHeader(buf, id, count, i, len(payload), hash)
		copy(buf[HeaderSize:], payload[offset:offset+f.payloadSize])
		out[i] = buf
		offset += f.payloadSize
	}

	last := payload[offset:]
	buf := make([]byte, HeaderSize+len(tagsBuf)+len(last))
	f.putHeader(buf, id, count, count-1, len(payload), hash)
	binary.BigEndian.PutUint16(buf[offTagsLen:], uint16(len(tagsBuf)))
	copy(buf[HeaderSize:], tagsBuf)
	copy(buf[HeaderSize+len(tagsBuf):], last)
	out[count-1] = buf

	return out, nil
}

func (f *Fragmenter) putHeader(buf []byte, id uint32, count, index, length int, hash uint32) {
	buf[0] = VersionV0
	buf[1] = TypeFragment
	binary.BigEndian.PutUint16(buf[offCount:], uint16(count))
	binary.BigEndian.PutUint16(buf[offIndex:], uint16(index))
	binary.BigEndian.PutUint16(buf[offSize:], uint16(f.payloadSize))
	binary.BigEndian.PutUint32(buf[offID:], id)
	binary.BigEndian.PutUint32(buf[offLength:], uint32(length))
	binary.BigEndian.PutUint32(buf[offHash:], hash)
}

// EncodeCommand builds a four-letter command datagram.
func EncodeCommand(name string, trailer []byte) ([]byte, error) {
	if len(name) != CommandNameSize {
		return nil, fmt.Errorf("command name must be %d bytes, got %q", CommandNameSize, name)
	}
	buf := make([]byte, commandHeader+len(trailer))
	buf[0] = VersionV0
	buf[1] = TypeCommand
	copy(buf[commandOffset:], name)
	copy(buf[commandHeader:], trailer)
	return buf, nil
}
