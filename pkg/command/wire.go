package command

import (
	"encoding/binary"
	"fmt"
)

// FirmwareDescription is the GET_VERSION response.
type FirmwareDescription struct {
	Version uint32
}

// MarshalBinary encodes the version followed by 28 reserved zero bytes.
func (f FirmwareDescription) MarshalBinary() ([]byte, error) {
	b := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(b, f.Version)
	return b, nil
}

// ParseFirmwareDescription decodes a GET_VERSION response.
func ParseFirmwareDescription(b []byte) (FirmwareDescription, error) {
	if len(b) < 4 {
		return FirmwareDescription{}, fmt.Errorf("command: version block is %d bytes", len(b))
	}
	return FirmwareDescription{Version: binary.LittleEndian.Uint32(b)}, nil
}

// DebugInfo is the READ_DEBUG_INFO block.
type DebugInfo struct {
	Counter   uint32
	Overflows uint32
	PhyDelta  uint32
	LinkDelta uint32
	Raw       uint32
	PhyTotal  uint32
	LinkTotal uint32
	Sentinel  uint32
}

func (d DebugInfo) words() [8]uint32 {
	return [8]uint32{d.Counter, d.Overflows, d.PhyDelta, d.LinkDelta, d.Raw, d.PhyTotal, d.LinkTotal, d.Sentinel}
}

// MarshalBinary encodes the eight little-endian words.
func (d DebugInfo) MarshalBinary() ([]byte, error) {
	w := d.words()
	return putWords(w[:]...), nil
}

// ParseDebugInfo decodes a full diagnostic block.
func ParseDebugInfo(b []byte) (DebugInfo, error) {
	if len(b) < BlockSize {
		return DebugInfo{}, fmt.Errorf("command: debug block is %d bytes, want %d", len(b), BlockSize)
	}
	w := func(i int) uint32 { return binary.LittleEndian.Uint32(b[i*4:]) }
	return DebugInfo{
		Counter: w(0), Overflows: w(1), PhyDelta: w(2), LinkDelta: w(3),
		Raw: w(4), PhyTotal: w(5), LinkTotal: w(6), Sentinel: w(7),
	}, nil
}

// putWords returns a zeroed block with the given words at its start.
func putWords(words ...uint32) []byte {
	b := make([]byte, BlockSize)
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}

// Word returns the i-th little-endian word of a response, or false when the
// response is too short.
func Word(b []byte, i int) (uint32, bool) {
	if len(b) < (i+1)*4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[i*4:]), true
}

// truncate limits a block to the host's requested length.
func truncate(b []byte, length uint16) []byte {
	if int(length) < len(b) {
		return b[:length]
	}
	return b
}
