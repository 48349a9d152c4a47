// Azure Integrated HSM (AziHsm) driver
// https://github.com/usbarmory/azihsm
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hsm

import (
	"github.com/usbarmory/azihsm/dma"
)

// ioQueue represents one ring of fixed size entries in device shared
// memory, idx is the producer tail for submission queues and the consumer
// head for completion queues.
type ioQueue struct {
	buf       *dma.Buffer
	slots     int
	entrySize int
	idx       int
}

func (q *ioQueue) advance() {
	q.idx = (q.idx + 1) % q.slots
}

// slot returns the entry at the current index.
func (q *ioQueue) slot() []byte {
	off := q.idx * q.entrySize
	return q.buf.Data[off : off+q.entrySize]
}

// queuePair encapsulates a submission queue and a completion queue of equal
// slot count. A pair that timed out waiting for a completion is faulted and
// refuses further use.
type queuePair struct {
	id      int
	stride  int
	sq      ioQueue
	cq      ioQueue
	faulted bool
}

// initQueuePair allocates the queue pair rings (one page each), zeroed so
// that every completion entry starts with a clear phase bit.
func (hw *Controller) initQueuePair(qp *queuePair, id int, slots int, sqeSize int, cqeSize int, stride int) error {
	sqBuf, err := hw.Region.AllocBuffer(1)

	if err != nil {
		return ErrOutOfResources
	}

	cqBuf, err := hw.Region.AllocBuffer(1)

	if err != nil {
		sqBuf.Free()
		return ErrOutOfResources
	}

	qp.id = id
	qp.stride = stride
	qp.faulted = false

	qp.sq = ioQueue{buf: sqBuf, slots: slots, entrySize: sqeSize}
	qp.cq = ioQueue{buf: cqBuf, slots: slots, entrySize: cqeSize}

	return nil
}

// uninit releases the queue pair rings, a zero valued pair is tolerated.
func (qp *queuePair) uninit() {
	qp.sq.buf.Free()
	qp.cq.buf.Free()

	qp.sq = ioQueue{}
	qp.cq = ioQueue{}
}
