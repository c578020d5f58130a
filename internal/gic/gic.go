// Package gic implements a software model of a GICv2 interrupt
// controller: the distributor (enable/priority/target configuration) and
// the CPU interface (acknowledge/EOI), wired onto an mmio.Bus exactly as
// QEMU's "virt" machine maps them.
//
// Real interrupt delivery is an artifact of silicon this simulation
// cannot reproduce; instead, device models call Raise(irq) when they want
// to signal a pending interrupt, and the boot loop polls Pending() where
// real hardware would instead trap into the exception vector. Every
// other register access (ISENABLER/ICENABLER math, priority/target
// registers, EOI) behaves as it would against real GICv2 registers.
package gic

import (
	"fmt"
	"sort"

	"github.com/smoynes/elsie/internal/common"
)

const (
	gicdCTLR       = 0x000
	gicdTYPER      = 0x004
	gicdISENABLER  = 0x100
	gicdICENABLER  = 0x180
	gicdIPRIORITY  = 0x400
	gicdITARGETSR  = 0x800
	gicdICFGR      = 0xc00
	gicdRegionSize = 0x1000

	giccCTLR      = 0x000
	giccPMR       = 0x004
	giccIAR       = 0x00c
	giccEOIR      = 0x010
	giccRegionSize = 0x1000

	// NumIRQs covers the 32 architectural SGI/PPI IDs that every GICv2
	// implementation reserves plus 32 SPIs, enough for the highest IRQ in
	// the MMIO map (virtio-blk's 48).
	NumIRQs = 64

	spuriousIRQ = 1023
)

// Distributor is the GICD register block.
type Distributor struct {
	ctlr     uint32
	enabled  [NumIRQs]bool
	priority [NumIRQs]uint8
	target   [NumIRQs]uint8
	cfg      [NumIRQs]uint8

	pending map[int]struct{}
}

// NewDistributor creates a GICD with every SPI disabled, matching the
// reset state GicDistIf.init configures before the kernel selectively
// re-enables the IRQs it uses.
func NewDistributor() *Distributor {
	return &Distributor{pending: make(map[int]struct{})}
}

func (d *Distributor) RegionBase() uint64 { return common.GICDBase }
func (d *Distributor) RegionSize() uint64 { return gicdRegionSize }
func (d *Distributor) String() string     { return "gicd" }

// Init disables distribution while configuring every SPI as level
// triggered, affined to CPU0, priority 0, then enables distribution.
func (d *Distributor) Init() {
	d.ctlr = 0

	for irq := 32; irq < NumIRQs; irq++ {
		d.cfg[irq] = 0
		d.enabled[irq] = false
		d.target[irq] = 0b1
		d.priority[irq] = 0
	}

	d.ctlr = 1
}

// Enable turns on distribution of irq, mirroring a write to
// GICD_ISENABLERn.
func (d *Distributor) Enable(irq int) error {
	if irq < 0 || irq >= NumIRQs {
		return fmt.Errorf("gic: irq %d out of range", irq)
	}

	d.enabled[irq] = true

	return nil
}

// Disable turns off distribution of irq.
func (d *Distributor) Disable(irq int) {
	if irq >= 0 && irq < NumIRQs {
		d.enabled[irq] = false
	}
}

// Raise marks irq pending, standing in for an external device asserting
// its interrupt line. A disabled or already-pending IRQ is a no-op.
func (d *Distributor) Raise(irq int) {
	if irq < 0 || irq >= NumIRQs || !d.enabled[irq] {
		return
	}

	d.pending[irq] = struct{}{}
}

// Pending returns the lowest-numbered pending, enabled IRQ, matching the
// priority scheme configured by Init (every IRQ at priority 0, ties
// broken by number).
func (d *Distributor) Pending() (int, bool) {
	if len(d.pending) == 0 {
		return 0, false
	}

	irqs := make([]int, 0, len(d.pending))
	for irq := range d.pending {
		irqs = append(irqs, irq)
	}

	sort.Ints(irqs)

	return irqs[0], true
}

func (d *Distributor) clear(irq int) { delete(d.pending, irq) }

// Load implements mmio.Reader for the GICD register block.
func (d *Distributor) Load(offset uint64) (uint32, error) {
	switch {
	case offset == gicdCTLR:
		return d.ctlr, nil
	case offset == gicdTYPER:
		return uint32((NumIRQs/32 - 1)), nil
	case offset >= gicdISENABLER && offset < gicdISENABLER+16:
		return bitWord(d.enabled[:], int(offset-gicdISENABLER)/4*32), nil
	case offset >= gicdICENABLER && offset < gicdICENABLER+16:
		return bitWord(d.enabled[:], int(offset-gicdICENABLER)/4*32), nil
	default:
		return 0, nil
	}
}

// Store implements mmio.Writer for the GICD register block.
func (d *Distributor) Store(offset uint64, value uint32) error {
	switch {
	case offset == gicdCTLR:
		d.ctlr = value
	case offset >= gicdISENABLER && offset < gicdISENABLER+16:
		base := int(offset-gicdISENABLER) / 4 * 32
		setBitWord(d.enabled[:], base, value, true)
	case offset >= gicdICENABLER && offset < gicdICENABLER+16:
		base := int(offset-gicdICENABLER) / 4 * 32
		setBitWord(d.enabled[:], base, value, false)
	case offset >= gicdICFGR && offset < gicdICFGR+16:
		// accepted, level-triggered configuration is the only mode used.
	case offset >= gicdIPRIORITY && offset < gicdIPRIORITY+NumIRQs:
		irq := int(offset - gicdIPRIORITY)
		if irq < NumIRQs {
			d.priority[irq] = uint8(value)
		}
	case offset >= gicdITARGETSR && offset < gicdITARGETSR+NumIRQs:
		irq := int(offset - gicdITARGETSR)
		if irq < NumIRQs {
			d.target[irq] = uint8(value)
		}
	}

	return nil
}

func bitWord(enabled []bool, base int) uint32 {
	var w uint32

	for i := 0; i < 32 && base+i < len(enabled); i++ {
		if enabled[base+i] {
			w |= 1 << i
		}
	}

	return w
}

func setBitWord(enabled []bool, base int, value uint32, set bool) {
	for i := 0; i < 32 && base+i < len(enabled); i++ {
		if value&(1<<i) != 0 {
			enabled[base+i] = set
		}
	}
}

// CPUInterface is the GICC register block.
type CPUInterface struct {
	ctlr uint32
	pmr  uint32
	dist *Distributor
}

// NewCPUInterface creates a GICC bound to dist, so EOI and acknowledge can
// clear the distributor's pending state.
func NewCPUInterface(dist *Distributor) *CPUInterface {
	return &CPUInterface{dist: dist}
}

func (c *CPUInterface) RegionBase() uint64 { return common.GICCBase }
func (c *CPUInterface) RegionSize() uint64 { return giccRegionSize }
func (c *CPUInterface) String() string     { return "gicc" }

// Init enables the CPU interface and unmasks every priority.
func (c *CPUInterface) Init() {
	c.ctlr = 1
	c.pmr = 0xff
}

// EOI signals end-of-interrupt for irq, clearing it from the
// distributor's pending set so Pending() stops reporting it.
func (c *CPUInterface) EOI(irq int) {
	c.dist.clear(irq)
}

func (c *CPUInterface) Load(offset uint64) (uint32, error) {
	switch offset {
	case giccCTLR:
		return c.ctlr, nil
	case giccPMR:
		return c.pmr, nil
	case giccIAR:
		if irq, ok := c.dist.Pending(); ok {
			return uint32(irq), nil
		}

		return spuriousIRQ, nil
	default:
		return 0, nil
	}
}

func (c *CPUInterface) Store(offset uint64, value uint32) error {
	switch offset {
	case giccCTLR:
		c.ctlr = value
	case giccPMR:
		c.pmr = value
	case giccEOIR:
		c.EOI(int(value))
	}

	return nil
}

// Controller bundles the distributor and CPU interface and is the handle
// the rest of the kernel uses: Init/Enable/EOI mirror the spec's external
// GIC surface, while Raise/Pending are the simulation-only signalling path
// device models use in place of real interrupt lines.
type Controller struct {
	Dist *Distributor
	CPU  *CPUInterface
}

// New creates a GICv2 controller with its distributor and CPU interface
// wired together.
func New() *Controller {
	dist := NewDistributor()
	return &Controller{Dist: dist, CPU: NewCPUInterface(dist)}
}

// Init brings up the distributor then the CPU interface, per the boot
// order the spec requires.
func (c *Controller) Init() {
	c.Dist.Init()
	c.CPU.Init()
}

// Enable turns on irq.
func (c *Controller) Enable(irq int) error { return c.Dist.Enable(irq) }

// EOI acknowledges completion of irq.
func (c *Controller) EOI(irq int) { c.CPU.EOI(irq) }

// Raise signals that a device has asserted irq.
func (c *Controller) Raise(irq int) { c.Dist.Raise(irq) }

// Pending returns the next IRQ the boot loop should service.
func (c *Controller) Pending() (int, bool) { return c.Dist.Pending() }
