package command

import "fmt"

// Request is a vendor control request code (bRequest).
type Request uint8

const (
	// ReqSetAddress is accepted without action; the controller has already
	// applied the address when it reaches the handler.
	ReqSetAddress Request = 0x05

	ReqGetVersion    Request = 0xB0
	ReqInitProject   Request = 0xB1
	ReqStart         Request = 0xB2
	ReqReset         Request = 0xB3
	ReqReadDebugInfo Request = 0xB4
	ReqSetSPIClock   Request = 0xB5
	ReqReadGPIO      Request = 0xB6
	ReqWriteGPIO     Request = 0xB7
	ReqRegWrite      Request = 0xB8
	ReqRegRead       Request = 0xB9

	// Converter registers: 13-bit address framing, one data byte.
	ReqRegWrite8 Request = 0xD6
	ReqRegRead8  Request = 0xD9
)

var requestNames = map[Request]string{
	ReqSetAddress:    "SET_ADDRESS",
	ReqGetVersion:    "GET_VERSION",
	ReqInitProject:   "INIT_PROJECT",
	ReqStart:         "START",
	ReqReset:         "RESET",
	ReqReadDebugInfo: "READ_DEBUG_INFO",
	ReqSetSPIClock:   "SET_SPI_CLOCK",
	ReqReadGPIO:      "READ_GPIO",
	ReqWriteGPIO:     "WRITE_GPIO",
	ReqRegWrite:      "REG_WRITE",
	ReqRegRead:       "REG_READ",
	ReqRegWrite8:     "REG_WRITE8",
	ReqRegRead8:      "REG_READ8",
}

func (r Request) String() string {
	if name, ok := requestNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Request(0x%02X)", uint8(r))
}

// DefaultVersion is the compiled-in firmware build identifier.
const DefaultVersion uint32 = 0x17072800

// DebugSentinel terminates every diagnostic block.
const DebugSentinel uint32 = 0xDEADBEEF

// BlockSize is the size of every fixed control response block.
const BlockSize = 32
