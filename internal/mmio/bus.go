// Package mmio provides a generic memory-mapped register bus shared by the
// GIC, UART, and virtio-mmio device models. Each device declares a region
// (base address and size); the bus dispatches loads and stores to the
// device whose region holds the address, passing the offset within it.
package mmio

import (
	"errors"
	"fmt"
	"sort"

	"github.com/smoynes/elsie/internal/log"
)

// Device is anything that can be mapped onto the bus. RegionBase and
// RegionSize describe the span of addresses the device claims; Reader and
// Writer (below) are implemented selectively depending on whether the
// device's registers are readable, writable, or both.
type Device interface {
	RegionBase() uint64
	RegionSize() uint64
	String() string
}

// Reader is implemented by devices with at least one loadable register.
type Reader interface {
	Device
	Load(offset uint64) (uint32, error)
}

// Writer is implemented by devices with at least one storable register.
type Writer interface {
	Device
	Store(offset uint64, value uint32) error
}

// ErrNoDevice is returned when an address does not fall within any mapped
// device's region.
var ErrNoDevice = errors.New("mmio: no device mapped at address")

// region records where a device lives so the bus can binary-search for the
// device owning a given address.
type region struct {
	base uint64
	size uint64
	dev  Device
}

// Bus dispatches loads and stores to the devices mapped onto it.
type Bus struct {
	regions []region
	log     *log.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{log: log.DefaultLogger()}
}

// Map installs a device at its own declared base address. It is an error
// to map two devices with overlapping regions.
func (b *Bus) Map(dev Device) error {
	base, size := dev.RegionBase(), dev.RegionSize()

	for _, r := range b.regions {
		if base < r.base+r.size && r.base < base+size {
			return fmt.Errorf("mmio: map: %s overlaps %s", dev, r.dev)
		}
	}

	b.regions = append(b.regions, region{base: base, size: size, dev: dev})
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].base < b.regions[j].base })

	b.log.Debug("mapped device", log.String("device", dev.String()))

	return nil
}

// find returns the region containing addr, if any.
func (b *Bus) find(addr uint64) (region, bool) {
	i := sort.Search(len(b.regions), func(i int) bool {
		return b.regions[i].base+b.regions[i].size > addr
	})

	if i < len(b.regions) && b.regions[i].base <= addr {
		return b.regions[i], true
	}

	return region{}, false
}

// Load32 reads a 32-bit register at addr.
func (b *Bus) Load32(addr uint64) (uint32, error) {
	r, ok := b.find(addr)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrNoDevice, addr)
	}

	reader, ok := r.dev.(Reader)
	if !ok {
		return 0, fmt.Errorf("mmio: %s: not readable", r.dev)
	}

	return reader.Load(addr - r.base)
}

// Store32 writes a 32-bit register at addr.
func (b *Bus) Store32(addr uint64, value uint32) error {
	r, ok := b.find(addr)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNoDevice, addr)
	}

	writer, ok := r.dev.(Writer)
	if !ok {
		return fmt.Errorf("mmio: %s: not writable", r.dev)
	}

	return writer.Store(addr-r.base, value)
}
