// Package uart models a PL011 UART at the register level sufficient for
// the kernel's serial console: a data register, a flag register
// reporting TX/RX FIFO state, and the two interrupt-mask/status registers
// the kernel uses to take UART IRQs on receive.
//
// Per the specification this device's internals are an external
// collaborator; the kernel only ever calls PrintByte/ReceiveByte. The
// register block below exists so that surface has something real
// underneath it in this host-mode simulation, and so internal/console can
// bridge it to an actual terminal.
package uart

import (
	"fmt"

	"github.com/smoynes/elsie/internal/common"
	"github.com/smoynes/elsie/internal/gic"
)

const (
	regionSize = 0x1000

	regDR   = 0x00 // Data register.
	regFR   = 0x18 // Flag register.
	regIMSC = 0x38 // Interrupt mask set/clear.
	regMIS  = 0x40 // Masked interrupt status.
	regICR  = 0x44 // Interrupt clear register.

	frRXFE = 1 << 4 // Receive FIFO empty.
	frTXFF = 1 << 5 // Transmit FIFO full.

	rxIntBit = 1 << 4
)

// UART models a PL011 serial port. Output bytes are passed one at a time
// to the transmit callback given to New; input bytes
// are queued by the console adapter (standing in for a real wire) and
// drained by the kernel's receive path, raising IRQUART on arrival.
type UART struct {
	gic *gic.Controller

	txOut func(b byte)

	rx      []byte
	imsc    uint32
	pending bool
}

// New creates a UART that writes transmitted bytes via out and raises the
// UART IRQ on the given controller when input becomes available.
func New(g *gic.Controller, out func(b byte)) *UART {
	return &UART{gic: g, txOut: out}
}

func (u *UART) RegionBase() uint64 { return common.UARTBase }
func (u *UART) RegionSize() uint64 { return regionSize }
func (u *UART) String() string     { return "pl011" }

// PrintByte writes one byte to the serial console, as the kernel's
// external print_byte collaborator would.
func (u *UART) PrintByte(b byte) {
	if u.txOut != nil {
		u.txOut(b)
	}
}

// ReceiveByte pops the next buffered input byte. It is the kernel's
// external receive_byte collaborator; ok is false if nothing is queued.
func (u *UART) ReceiveByte() (b byte, ok bool) {
	if len(u.rx) == 0 {
		return 0, false
	}

	b, u.rx = u.rx[0], u.rx[1:]

	return b, true
}

// Inject queues a byte as if it arrived over the wire, raising the UART
// IRQ if receive interrupts are unmasked. This is the host-side input
// path internal/console drives from the real terminal.
func (u *UART) Inject(b byte) {
	u.rx = append(u.rx, b)

	if u.imsc&rxIntBit != 0 {
		u.pending = true

		if u.gic != nil {
			u.gic.Raise(common.IRQUART)
		}
	}
}

func (u *UART) Load(offset uint64) (uint32, error) {
	switch offset {
	case regDR:
		b, ok := u.ReceiveByte()
		if !ok {
			return 0, nil
		}

		return uint32(b), nil
	case regFR:
		var fr uint32
		if len(u.rx) == 0 {
			fr |= frRXFE
		}

		return fr, nil
	case regIMSC:
		return u.imsc, nil
	case regMIS:
		if u.pending {
			return rxIntBit, nil
		}

		return 0, nil
	default:
		return 0, fmt.Errorf("uart: load: bad offset %#x", offset)
	}
}

func (u *UART) Store(offset uint64, value uint32) error {
	switch offset {
	case regDR:
		u.PrintByte(byte(value))
	case regIMSC:
		u.imsc = value
	case regICR:
		if value&rxIntBit != 0 {
			u.pending = false
		}
	default:
		return fmt.Errorf("uart: store: bad offset %#x", offset)
	}

	return nil
}
