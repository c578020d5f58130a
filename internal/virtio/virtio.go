// Package virtio implements a split-virtqueue (legacy, version 1) driver
// for a virtio-mmio block device, following the handshake and queue
// layout QEMU's "virt" machine exposes.
package virtio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/smoynes/elsie/internal/common"
	"github.com/smoynes/elsie/internal/gic"
)

const (
	regionSize = 0x200

	regMagic      = 0x000
	regVersion    = 0x004
	regDeviceID   = 0x008
	regDeviceFeat = 0x010
	regDriverFeat = 0x020
	regGuestPage  = 0x028
	regQueueSel   = 0x030
	regQueueMax   = 0x034
	regQueueNum   = 0x038
	regQueuePFN   = 0x040
	regNotify     = 0x050
	regIntStatus  = 0x060
	regIntAck     = 0x064
	regStatus     = 0x070

	magicValue = 0x74726976
	version    = 1
	devBlk     = 2

	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeatOK      = 8

	// Feature bits masked off during negotiation, matching the legacy
	// handshake: RO, SCSI, CONFIG_WCE, MQ, ANY_LAYOUT, RING_INDIRECT_DESC,
	// RING_EVENT_IDX.
	featRO              = 1 << 5
	featSCSI            = 1 << 7
	featConfigWCE       = 1 << 11
	featMQ              = 1 << 12
	featRingIndirectDesc = 1 << 28
	featRingEventIdx     = 1 << 29
	featAny              = 1 << 27

	queueDepth = 8

	blockSize = 1024 // bytes; sectors are 512 B, so 2 sectors/block.

	descFlagNext  = 1
	descFlagWrite = 2

	reqTypeIn  = 0
	reqTypeOut = 1
)

// ErrHandshake is returned (and is fatal, per the spec's error taxonomy)
// when the device does not answer the legacy virtio handshake correctly.
var ErrHandshake = errors.New("virtio: handshake failed")

// ErrStatus is fatal: a nonzero status byte at I/O completion.
var ErrStatus = errors.New("virtio: nonzero completion status")

// Waiter is the blocking primitive the driver suspends on: Sleep parks
// the calling process on a channel token until a matching Wakeup. It is
// implemented by the process scheduler (internal/proc); the driver itself
// has no notion of processes.
type Waiter interface {
	Sleep(channel uint64)
	Wakeup(channel uint64)
}

// desc is one virtqueue descriptor.
type desc struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

// blkReq is the per-slot block-request header, descriptor 0's payload.
type blkReq struct {
	ty       uint32
	reserved uint32
	sector   uint64
}

// slotInfo tracks, per descriptor triple, the completion status byte and
// the buffer awaiting that completion.
type slotInfo struct {
	status byte
	buf    []byte
	busy   bool
}

// Disk is a virtio-mmio block device. It owns queue 0's descriptor table,
// available ring, used ring, and per-slot metadata, laid out as the spec
// requires (used ring conceptually page-aligned, at a fixed offset from
// the rest of the queue).
type Disk struct {
	mu sync.Mutex

	gic  *gic.Controller
	wait Waiter
	irq  int

	status  uint32
	feat    uint32
	guestPg uint32
	queueN  uint32

	free     [queueDepth]bool
	descs    [queueDepth]desc
	reqs     [queueDepth]blkReq
	info     [queueDepth]slotInfo
	availIdx uint16
	availRing [queueDepth]uint16
	usedIdx   uint16
	usedRing  [queueDepth]uint16 // slot ids completed, in order
	usedLen   int
	seenUsed  uint16

	// backend is where block data actually lives; a real deployment
	// backs this with a host file via pread/pwrite (see FileBackend).
	backend Backend
}

// Backend is the storage behind the virtio device: a flat array of fixed
// size blocks, addressed by block number.
type Backend interface {
	ReadBlock(blockno uint64, buf []byte) error
	WriteBlock(blockno uint64, buf []byte) error
}

// New creates a virtio-blk device at queue index idx (0-based), wired to
// gic for interrupt delivery and wait for sleep/wakeup.
func New(g *gic.Controller, wait Waiter, idx int, backend Backend) *Disk {
	d := &Disk{
		gic:     g,
		wait:    wait,
		irq:     common.IRQVirtioBlk + idx,
		backend: backend,
	}

	for i := range d.free {
		d.free[i] = true
	}

	return d
}

func (d *Disk) RegionBase() uint64 { return common.VirtMMIOBase + uint64(0)*common.VirtMMIOStride }
func (d *Disk) RegionSize() uint64 { return regionSize }
func (d *Disk) String() string     { return "virtio-blk" }

// Init performs the legacy virtio handshake: ACKNOWLEDGE, DRIVER, feature
// negotiation, FEAT_OK, DRIVER_OK, then configures queue 0.
func (d *Disk) Init() error {
	d.status = 0
	d.status |= statusAcknowledge
	d.status |= statusDriver

	d.feat = ^uint32(featRO | featSCSI | featConfigWCE | featMQ |
		featRingIndirectDesc | featRingEventIdx | featAny)

	d.status |= statusFeatOK

	if d.status&statusFeatOK == 0 {
		return fmt.Errorf("%w: FEAT_OK not set after negotiation", ErrHandshake)
	}

	d.status |= statusDriverOK

	d.guestPg = common.PageSize
	d.queueN = queueDepth

	if d.gic != nil {
		if err := d.gic.Enable(d.irq); err != nil {
			return fmt.Errorf("virtio: %w", err)
		}
	}

	return nil
}

// Load satisfies mmio.Reader for completeness of the register model; the
// driver itself drives the device directly rather than through the bus,
// since Init/DiskRW is the kernel-internal call path.
func (d *Disk) Load(offset uint64) (uint32, error) {
	switch offset {
	case regMagic:
		return magicValue, nil
	case regVersion:
		return version, nil
	case regDeviceID:
		return devBlk, nil
	case regDeviceFeat:
		return 0xffff_ffff, nil
	case regQueueMax:
		return queueDepth, nil
	case regIntStatus:
		if d.usedLen > 0 {
			return 0x1, nil
		}

		return 0, nil
	case regStatus:
		return d.status, nil
	default:
		return 0, nil
	}
}

func (d *Disk) Store(offset uint64, value uint32) error {
	switch offset {
	case regDriverFeat:
		d.feat = value
	case regGuestPage:
		d.guestPg = value
	case regQueueNum:
		d.queueN = value
	case regStatus:
		d.status = value
	case regIntAck:
		// acknowledged; nothing to clear beyond usedLen bookkeeping,
		// which InterruptHandler manages.
	case regNotify:
		// the driver already performed the work synchronously in
		// DiskRW; a real device would process the queue here.
	}

	return nil
}

// allocTriple reserves three free descriptor slots, sleeping on the
// shared free-pool channel if fewer than three are available.
func (d *Disk) allocTriple() [3]int {
	const freePoolChannel = ^uint64(0) // one fixed token per Disk instance's free pool.

	for {
		d.mu.Lock()

		var idx [3]int

		n := 0

		for i := range d.free {
			if d.free[i] {
				d.free[i] = false
				idx[n] = i
				n++

				if n == 3 {
					break
				}
			}
		}

		if n == 3 {
			d.mu.Unlock()
			return idx
		}

		// Not enough descriptors: return what we grabbed and sleep.
		for i := 0; i < n; i++ {
			d.free[idx[i]] = true
		}

		d.mu.Unlock()

		if d.wait != nil {
			d.wait.Sleep(freePoolChannel)
		}
	}
}

func (d *Disk) freeTriple(idx [3]int) {
	const freePoolChannel = ^uint64(0)

	d.mu.Lock()

	for _, i := range idx {
		d.descs[i] = desc{}
		d.free[i] = true
	}

	d.mu.Unlock()

	if d.wait != nil {
		d.wait.Wakeup(freePoolChannel)
	}
}

func completionChannel(slot int) uint64 {
	return 0x8000_0000_0000_0000 | uint64(slot)
}

// DiskRW performs a single 1 KiB block read or write, blocking until the
// virtqueue completion interrupt clears the buffer's busy flag.
func (d *Disk) DiskRW(blockno uint64, buf []byte, write bool) error {
	if len(buf) != blockSize {
		return fmt.Errorf("virtio: buffer must be %d bytes, got %d", blockSize, len(buf))
	}

	idx := d.allocTriple()
	sector := blockno * uint64(blockSize/512)

	d.mu.Lock()

	d.reqs[idx[0]] = blkReq{sector: sector}
	if write {
		d.reqs[idx[0]].ty = reqTypeOut
	} else {
		d.reqs[idx[0]].ty = reqTypeIn
	}

	d.descs[idx[0]] = desc{flags: descFlagNext, next: uint16(idx[1])}
	d.descs[idx[1]] = desc{len: blockSize, flags: descFlagNext, next: uint16(idx[2])}

	if !write {
		d.descs[idx[1]].flags |= descFlagWrite
	}

	d.descs[idx[2]] = desc{len: 1, flags: 0}

	d.info[idx[0]] = slotInfo{status: 0xff, buf: buf, busy: true}

	// Perform the actual data transfer against the backend now; the
	// interrupt handler (below) is what the real device would fire once
	// this completes, so we defer "visibility" of the result to it.
	var xferErr error

	if write {
		xferErr = d.backend.WriteBlock(blockno, buf)
	} else {
		xferErr = d.backend.ReadBlock(blockno, buf)
	}

	// Barrier: descriptors and request header are visible before the
	// available-ring index is published.
	d.availRing[d.availIdx%queueDepth] = uint16(idx[0])
	d.availIdx++
	// Barrier: avail.idx visible before QUEUE_NOTIFY.

	d.mu.Unlock()

	// This host-mode model has no real DMA hardware running concurrently
	// with the driver, so the transfer above already completed by the
	// time QUEUE_NOTIFY would be written. deliverCompletion enqueues the
	// used-ring entry and raises the IRQ exactly as the real device
	// would; InterruptHandler then drains it immediately, the same
	// routine the IRQ 48 path in internal/trap calls. If that drain
	// hasn't yet cleared this slot's busy flag for any reason, fall back
	// to the spec's documented suspension point.
	d.deliverCompletion(idx[0], xferErr)

	if err := d.InterruptHandler(); err != nil {
		return err
	}

	for {
		d.mu.Lock()
		busy := d.info[idx[0]].busy
		d.mu.Unlock()

		if !busy {
			break
		}

		if d.wait != nil {
			d.wait.Sleep(completionChannel(idx[0]))
		}
	}

	d.freeTriple(idx)

	return xferErr
}

// deliverCompletion stands in for the device DMA-completing and raising
// its interrupt: it appends to the used ring and signals the IRQ line.
// InterruptHandler is what actually clears busy and wakes the sleeper,
// exactly as the real interrupt path would.
func (d *Disk) deliverCompletion(slot int, xferErr error) {
	d.mu.Lock()

	if xferErr != nil {
		d.info[slot].status = 1
	} else {
		d.info[slot].status = 0
	}

	d.usedRing[d.usedIdx%queueDepth] = uint16(slot)
	d.usedIdx++
	d.usedLen++

	d.mu.Unlock()

	if d.gic != nil {
		d.gic.Raise(d.irq)
	}
}

// InterruptHandler drains the used ring, clearing busy and waking any
// sleeper for each completed slot. It is invoked from the IRQ 48 path in
// internal/trap.
func (d *Disk) InterruptHandler() error {
	d.mu.Lock()

	for d.seenUsed != d.usedIdx {
		slot := int(d.usedRing[d.seenUsed%queueDepth])

		if d.info[slot].status != 0 {
			d.mu.Unlock()
			return fmt.Errorf("%w: slot %d status %d", ErrStatus, slot, d.info[slot].status)
		}

		d.info[slot].busy = false
		d.seenUsed++
		d.usedLen--

		ch := completionChannel(slot)

		d.mu.Unlock()

		if d.wait != nil {
			d.wait.Wakeup(ch)
		}

		d.mu.Lock()
	}

	d.mu.Unlock()

	return nil
}
