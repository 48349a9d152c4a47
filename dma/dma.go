// Azure Integrated HSM (AziHsm) driver
// https://github.com/usbarmory/azihsm
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma provides primitives for allocation of memory regions shared
// with bus mastering devices, where the same bytes are visible both through
// a host pointer and a device (bus) address.
//
// A Region manages a contiguous device-visible arena with a first-fit
// allocator; buffers handed out by a Region are page granular, zeroed on
// allocation and zeroed again on release.
package dma

import (
	"container/list"
	"errors"
	"sync"
)

// PageSize is the allocation granularity of Buffer objects.
const PageSize = 4096

// ErrOutOfResources is returned when a region cannot satisfy an allocation.
var ErrOutOfResources = errors.New("out of resources")

// Region represents a memory region allocated for DMA purposes.
type Region struct {
	sync.Mutex

	start uint64
	arena []byte

	freeBlocks *list.List
	usedBlocks map[uint64]*block
}

var dma *Region

// Init initializes the global memory region for DMA buffer allocation, the
// instance is returned by Default().
func Init(addr uint64, size int) {
	dma, _ = NewRegion(addr, size)
}

// Default returns the global DMA region instance.
func Default() *Region {
	return dma
}

// NewRegion initializes a memory region of the given size, device visible at
// the argument bus address.
func NewRegion(addr uint64, size int) (*Region, error) {
	if size <= 0 {
		return nil, errors.New("invalid region size")
	}

	r := &Region{
		start: addr,
		arena: make([]byte, size),
	}

	r.freeBlocks = list.New()
	r.freeBlocks.PushFront(&block{
		addr: addr,
		size: size,
	})

	r.usedBlocks = make(map[uint64]*block)

	return r, nil
}

// Start returns the region device start address.
func (dma *Region) Start() uint64 {
	return dma.start
}

// Size returns the region size.
func (dma *Region) Size() int {
	return len(dma.arena)
}

// Buffer represents a device shared memory buffer, the host slice and the
// device address alias the same bytes.
type Buffer struct {
	// Addr is the device (bus) address of the buffer.
	Addr uint64
	// Data is the host view of the buffer.
	Data []byte

	region *Region
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() int {
	if b == nil {
		return 0
	}

	return len(b.Data)
}

// AllocBuffer reserves a page multiple, page aligned, zeroed buffer within
// the region.
func (dma *Region) AllocBuffer(pages int) (*Buffer, error) {
	if dma == nil || pages <= 0 {
		return nil, ErrOutOfResources
	}

	size := pages * PageSize

	dma.Lock()
	defer dma.Unlock()

	b, err := dma.alloc(size, PageSize)

	if err != nil {
		return nil, err
	}

	dma.usedBlocks[b.addr] = b

	buf := &Buffer{
		Addr:   b.addr,
		Data:   dma.slice(b.addr, size),
		region: dma,
	}

	clear(buf.Data)

	return buf, nil
}

// Free releases the buffer back to its region, its contents are zeroed and
// the buffer fields are cleared so that a released buffer is observable as
// such. Releasing a zero valued or already released buffer is a no-op.
func (b *Buffer) Free() {
	if b == nil || b.region == nil {
		return
	}

	clear(b.Data)

	r := b.region

	r.Lock()
	defer r.Unlock()

	if used, ok := r.usedBlocks[b.Addr]; ok {
		r.free(used)
		delete(r.usedBlocks, b.Addr)
	}

	b.Addr = 0
	b.Data = nil
	b.region = nil
}

// Slice returns the host view of an arbitrary device address range within
// the region, it is meant for the device side of a shared buffer (e.g. a
// device model in tests, or completion entries written by hardware).
func (dma *Region) Slice(addr uint64, size int) ([]byte, error) {
	if addr < dma.start || int(addr-dma.start)+size > len(dma.arena) {
		return nil, errors.New("address range out of region")
	}

	return dma.slice(addr, size), nil
}

func (dma *Region) slice(addr uint64, size int) []byte {
	off := int(addr - dma.start)
	return dma.arena[off : off+size : off+size]
}
