package bitbang

// Converter register framing: a 13-bit address sent high byte first, with bit 7
// of the first byte set for reads.
const (
	regReadFlag = 0x80
	regAddrMask = 0x1F
)

// ReadRegister reads one converter register.
func (b *Bus) ReadRegister(addr uint16) (v byte, err error) {
	if err := b.AssertSelect(); err != nil {
		return 0, err
	}
	defer func() {
		if derr := b.DeassertSelect(); derr != nil && err == nil {
			err = derr
		}
	}()
	if err := b.SendByte(byte(addr>>8)&regAddrMask | regReadFlag); err != nil {
		return 0, err
	}
	if err := b.SendByte(byte(addr)); err != nil {
		return 0, err
	}
	return b.ReceiveByte()
}

// WriteRegister writes one converter register.
func (b *Bus) WriteRegister(addr uint16, v byte) error {
	return b.Write([]byte{byte(addr>>8) &^ regReadFlag, byte(addr), v})
}
