package usb

import (
	"encoding/binary"
	"fmt"
)

// Request-type bit fields of bmRequestType.
const (
	RequestDirectionMask = 0x80
	RequestTypeMask      = 0x60
	RequestRecipientMask = 0x1F

	DirectionOut = 0x00
	DirectionIn  = 0x80

	TypeStandard = 0x00
	TypeClass    = 0x20
	TypeVendor   = 0x40

	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
)

// SetupPacketSize is the size of a SETUP packet on the wire.
const SetupPacketSize = 8

// SetupPacket is the 8-byte header of a control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetupPacket decodes the little-endian wire form.
func ParseSetupPacket(b []byte) (SetupPacket, error) {
	if len(b) < SetupPacketSize {
		return SetupPacket{}, fmt.Errorf("usb: setup packet needs %d bytes, got %d", SetupPacketSize, len(b))
	}
	return SetupPacket{
		RequestType: b[0],
		Request:     b[1],
		Value:       binary.LittleEndian.Uint16(b[2:4]),
		Index:       binary.LittleEndian.Uint16(b[4:6]),
		Length:      binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// SetupFromWords decodes the two packed words a device controller latches
// for the SETUP stage: word0 carries bmRequestType, bRequest and wValue,
// word1 carries wIndex and wLength.
func SetupFromWords(word0, word1 uint32) SetupPacket {
	return SetupPacket{
		RequestType: uint8(word0),
		Request:     uint8(word0 >> 8),
		Value:       uint16(word0 >> 16),
		Index:       uint16(word1),
		Length:      uint16(word1 >> 16),
	}
}

// Marshal encodes the packet in wire order.
func (s SetupPacket) Marshal() []byte {
	b := make([]byte, SetupPacketSize)
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

// Words returns the packed controller representation, the inverse of
// SetupFromWords.
func (s SetupPacket) Words() (uint32, uint32) {
	w0 := uint32(s.RequestType) | uint32(s.Request)<<8 | uint32(s.Value)<<16
	w1 := uint32(s.Index) | uint32(s.Length)<<16
	return w0, w1
}

// IsIn reports a device-to-host data stage.
func (s SetupPacket) IsIn() bool {
	return s.RequestType&RequestDirectionMask == DirectionIn
}

// Type returns the request type bits (standard, class or vendor).
func (s SetupPacket) Type() uint8 {
	return s.RequestType & RequestTypeMask
}

// Recipient returns the recipient bits.
func (s SetupPacket) Recipient() uint8 {
	return s.RequestType & RequestRecipientMask
}

func (s SetupPacket) String() string {
	return fmt.Sprintf("setup{type=0x%02X req=0x%02X val=0x%04X idx=0x%04X len=%d}",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}
