package meter

// Transport is a register level connection to one device on the bus.
//
// Implementations report failures wrapping ErrTimeout, ErrIllegalFunction or
// ErrTransport. Response and inter-byte timeouts are the implementation's
// concern.
type Transport interface {
	// ReadRegisters reads count consecutive 16-bit registers from address.
	ReadRegisters(address uint16, count uint8) ([]uint16, error)
	// WriteRegister writes a single register.
	WriteRegister(address uint16, value uint16) error
}
