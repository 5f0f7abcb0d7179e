package nvme

import (
	"context"
	"sync"

	"pagepool"
	"perrs"
)

// Interrupt is the per-vector wake source a QueuePair's completion
// reaper blocks on, the Go stand-in for the original's "NVMe
// completion wait when no completion has arrived" suspension point
// (spec §5). A real Device implementation backs this with whatever
// the host's MSI-X delivery mechanism is; it is intentionally opaque
// here since VMBus/hypercall-level interrupt injection is out of
// scope for this package.
type Interrupt interface {
	Wait(ctx context.Context) error
}

// Device is the minimal surface a controller backend must expose:
// its BAR0 window and a way to obtain a wakeable Interrupt for a
// given MSI-X vector. It plays the role the original's
// DeviceBacking trait plays, trimmed to what this driver actually
// calls.
type Device interface {
	ID() string
	MaxInterruptCount() uint32
	MapBar0() ([]byte, error)
	MapInterrupt(vector uint16) (Interrupt, error)
}

// commandSlab hands out command identifiers for one queue pair. It is
// sized depth-1 rather than depth, the classic ring-buffer trick of
// reserving one slot so head==tail is unambiguous between full and
// empty; a depth-1 queue therefore has zero usable ids, matching the
// boundary behaviour "depth-1 queue means empty" (spec §8).
type commandSlab struct {
	free chan uint16

	mu      sync.Mutex
	waiting map[uint16]chan Completion
}

func newCommandSlab(depth uint32) *commandSlab {
	usable := depth - 1
	s := &commandSlab{
		free:    make(chan uint16, usable),
		waiting: make(map[uint16]chan Completion),
	}
	for i := uint32(0); i < usable; i++ {
		s.free <- uint16(i)
	}
	return s
}

func (s *commandSlab) acquire(ctx context.Context) (uint16, chan Completion, error) {
	select {
	case cid := <-s.free:
		ch := make(chan Completion, 1)
		s.mu.Lock()
		s.waiting[cid] = ch
		s.mu.Unlock()
		return cid, ch, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (s *commandSlab) release(cid uint16) {
	s.mu.Lock()
	delete(s.waiting, cid)
	s.mu.Unlock()
	s.free <- cid
}

// complete routes an arrived completion to its waiting issuer; a
// completion with no matching waiter (already released, or a
// protocol error from the device) is dropped.
func (s *commandSlab) complete(c Completion) {
	s.mu.Lock()
	ch, ok := s.waiting[c.Cid]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- c:
	default:
	}
}

// outstanding reports whether any command id is currently checked
// out, used by queue shutdown to drain before freeing DMA memory.
func (s *commandSlab) outstanding() int {
	return cap(s.free) - len(s.free)
}

// QueuePair is one submission/completion queue pair: admin (qid 0)
// or IO (qid >= 1). Submission order is preserved by the single
// sqTail writer; completions are matched by command id, not arrival
// order, per spec §5's ordering guarantee.
type QueuePair struct {
	qid   uint16
	depth uint32
	dstrd uint32
	cqid  uint16 // the completion queue this SQ is bound to (equals qid for every pair this driver creates)

	bar *Bar0
	log logger

	sq     *pagepool.Handle
	cq     *pagepool.Handle
	dataAllocator *pagepool.Allocator
	dataPool      *pagepool.Pool

	mu      sync.Mutex
	sqTail  uint32
	cqHead  uint32
	cqPhase bool

	slab *commandSlab

	cancel context.CancelFunc
	done   chan struct{}
}

type logger interface {
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

// newQueuePair allocates DMA memory for depth submission and
// completion entries from alloc and wires it into bar's admin or IO
// queue registration path (the caller performs the Identify/
// CreateIoCQ/CreateIoSQ admin commands; newQueuePair only prepares
// the memory and local bookkeeping).
func newQueuePair(qid uint16, depth, dstrd uint32, bar *Bar0, alloc *pagepool.Allocator, pool *pagepool.Pool, dataAlloc *pagepool.Allocator, log logger) (*QueuePair, error) {
	sqPages := int32((depth*CommandSize + pagepool.PageSize - 1) / pagepool.PageSize)
	cqPages := int32((depth*CompletionSize + pagepool.PageSize - 1) / pagepool.PageSize)
	if sqPages < 1 {
		sqPages = 1
	}
	if cqPages < 1 {
		cqPages = 1
	}
	sq, err := alloc.Allocate(sqPages, "nvme-sq")
	if err != nil {
		return nil, perrs.Wrap(perrs.KindResource, "nvme.newQueuePair", "submission queue allocation failed", err)
	}
	cq, err := alloc.Allocate(cqPages, "nvme-cq")
	if err != nil {
		pool.Free(sq)
		return nil, perrs.Wrap(perrs.KindResource, "nvme.newQueuePair", "completion queue allocation failed", err)
	}
	return &QueuePair{
		qid: qid, depth: depth, dstrd: dstrd, cqid: qid,
		bar: bar, log: log,
		sq: sq, cq: cq,
		dataAllocator: dataAlloc, dataPool: pool,
		cqPhase: true,
		slab:    newCommandSlab(depth),
		done:    make(chan struct{}),
	}, nil
}

// restoreQueuePair rebuilds a QueuePair over DMA memory reclaimed via
// RestoreAlloc, re-establishing the saved head/tail/phase bookkeeping
// without touching the controller -- the keepalive restore path never
// recreates a queue through an admin command (spec §4.7).
func restoreQueuePair(alloc *pagepool.Allocator, pool *pagepool.Pool, bar *Bar0, dstrd uint32, log logger, rec queueRecord) (*QueuePair, error) {
	sq, err := alloc.RestoreAlloc(pagepool.Pa(rec.sqBase), rec.sqPages)
	if err != nil {
		return nil, perrs.Wrap(perrs.KindSaveRestore, "nvme.restoreQueuePair", "sq restore failed", err)
	}
	cq, err := alloc.RestoreAlloc(pagepool.Pa(rec.cqBase), rec.cqPages)
	if err != nil {
		return nil, perrs.Wrap(perrs.KindSaveRestore, "nvme.restoreQueuePair", "cq restore failed", err)
	}
	return &QueuePair{
		qid: rec.qid, depth: rec.depth, dstrd: dstrd, cqid: rec.qid,
		bar: bar, log: log,
		sq: sq, cq: cq,
		dataAllocator: alloc, dataPool: pool,
		sqTail: rec.sqTail, cqHead: rec.cqHead, cqPhase: rec.cqPhase,
		slab: newCommandSlab(rec.depth),
		done: make(chan struct{}),
	}, nil
}

// run starts the completion reaper, woken by interrupt on every
// delivery and draining every newly-phase-matching entry.
func (q *QueuePair) run(ctx context.Context, interrupt Interrupt) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	go func() {
		defer close(q.done)
		for {
			if err := interrupt.Wait(ctx); err != nil {
				return
			}
			q.drain()
		}
	}()
}

func (q *QueuePair) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.cq.Slice()
	for {
		off := int(q.cqHead) * CompletionSize
		c := unmarshalCompletion(entries[off : off+CompletionSize])
		if c.Phase() != q.cqPhase {
			return
		}
		q.slab.complete(c)
		q.cqHead++
		if q.cqHead == q.depth {
			q.cqHead = 0
			q.cqPhase = !q.cqPhase
		}
		q.bar.RingCQDoorbell(q.cqid, q.dstrd, q.cqHead)
	}
}

// submit writes cmd into the next SQ slot under cmd's assigned Cid
// and rings the doorbell, the publication point for the command per
// spec §5.
func (q *QueuePair) submit(cmd Command) {
	q.mu.Lock()
	off := int(q.sqTail) * CommandSize
	copy(q.sq.Slice()[off:off+CommandSize], cmd.marshal())
	q.sqTail++
	if q.sqTail == q.depth {
		q.sqTail = 0
	}
	tail := q.sqTail
	q.mu.Unlock()
	q.bar.RingSQDoorbell(q.qid, q.dstrd, tail)
}

// drainOutstanding busy-polls until every checked-out command id on
// this queue has completed (and released itself via Issuer.IssueRaw's
// deferred release, including the ctx-cancellation path) or ctx is
// done. The reaper must still be running when this is called, or an
// outstanding command can only ever clear via its own context
// cancellation.
func (q *QueuePair) drainOutstanding(ctx context.Context) error {
	for q.slab.outstanding() > 0 {
		select {
		case <-ctx.Done():
			return perrs.Wrap(perrs.KindDevice, "nvme.QueuePair.drainOutstanding", "timed out draining outstanding commands", ctx.Err())
		default:
		}
	}
	return nil
}

// shutdown drains every outstanding command before returning, then
// frees the queue's DMA memory; the device must never be left
// writing into memory the driver has already released (spec §5
// "Memory reclamation").
func (q *QueuePair) shutdown(ctx context.Context) error {
	if err := q.drainOutstanding(ctx); err != nil {
		return err
	}
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
	if err := q.dataPool.Free(q.sq); err != nil {
		return perrs.Wrap(perrs.KindResource, "nvme.QueuePair.shutdown", "free sq failed", err)
	}
	if err := q.dataPool.Free(q.cq); err != nil {
		return perrs.Wrap(perrs.KindResource, "nvme.QueuePair.shutdown", "free cq failed", err)
	}
	return nil
}

// Issuer is the per-queue-pair handle callers issue commands through.
// It owns nothing the QueuePair doesn't already own; it exists only
// to give IssueRaw/IssueOut a narrower API surface than QueuePair's
// internal fields.
type Issuer struct {
	qp *QueuePair
}

func newIssuer(qp *QueuePair) *Issuer { return &Issuer{qp: qp} }

// IssueRaw allocates a command id, submits cmd, and waits for its
// matching completion, routed by command id rather than arrival
// order (spec §4.7 "Issuer API").
func (iss *Issuer) IssueRaw(ctx context.Context, cmd Command) (Completion, error) {
	cid, replyCh, err := iss.qp.slab.acquire(ctx)
	if err != nil {
		return Completion{}, perrs.Wrap(perrs.KindResource, "nvme.Issuer.IssueRaw", "no free command id", err)
	}
	defer iss.qp.slab.release(cid)
	cmd.Cid = cid
	iss.qp.submit(cmd)
	select {
	case c := <-replyCh:
		return c, nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

const maxPRPListPages = 512 // one 4 KiB page of 8-byte PRP entries

// IssueOut copies buf into a DMA-visible scratch buffer, attaches it
// to cmd via PRP1/PRP2 (or a PRP list for transfers spanning more
// than two pages), issues the command, and copies the scratch buffer
// back into buf once the completion arrives -- correct for both
// device-reads-from-buf and device-writes-into-buf commands, since
// the driver does not know here which direction a given opcode uses.
func (iss *Issuer) IssueOut(ctx context.Context, cmd Command, buf []byte) (Completion, error) {
	pages := int32((len(buf) + pagepool.PageSize - 1) / pagepool.PageSize)
	if pages < 1 {
		pages = 1
	}
	data, err := iss.qp.dataAllocator.Allocate(pages, "nvme-io-data")
	if err != nil {
		return Completion{}, perrs.Wrap(perrs.KindResource, "nvme.Issuer.IssueOut", "data buffer allocation failed", err)
	}
	defer iss.qp.dataPool.Free(data)

	copy(data.Slice(), buf)
	prp1, prp2, list, err := iss.buildPRP(data, pages)
	if err != nil {
		return Completion{}, err
	}
	if list != nil {
		defer iss.qp.dataPool.Free(list)
	}
	cmd.Prp1, cmd.Prp2 = prp1, prp2

	// list (if any) and data must outlive the completion: the device
	// may still be writing into them until the command is retired
	// (spec §5 "Memory reclamation"), so both frees happen via defer
	// after IssueRaw returns, not before.
	c, err := iss.IssueRaw(ctx, cmd)
	if err != nil {
		return Completion{}, err
	}
	copy(buf, data.Slice()[:len(buf)])
	return c, nil
}

// buildPRP returns the PRP1/PRP2 values for a pages-page transfer,
// and a non-nil list handle the caller must keep alive (and free)
// until the command's completion has been observed whenever a PRP
// list page was needed.
func (iss *Issuer) buildPRP(data *pagepool.Handle, pages int32) (uint64, uint64, *pagepool.Handle, error) {
	base := uint64(data.BasePFNWithBias()) * pagepool.PageSize
	if pages <= 1 {
		return base, 0, nil, nil
	}
	if pages == 2 {
		return base, base + pagepool.PageSize, nil, nil
	}
	if pages-1 > maxPRPListPages {
		return 0, 0, nil, perrs.New(perrs.KindResource, "nvme.Issuer.buildPRP", "transfer exceeds a single PRP list page")
	}
	list, err := iss.qp.dataAllocator.Allocate(1, "nvme-prp-list")
	if err != nil {
		return 0, 0, nil, perrs.Wrap(perrs.KindResource, "nvme.Issuer.buildPRP", "PRP list allocation failed", err)
	}
	entries := list.Slice()
	for i := int32(1); i < pages; i++ {
		putUint64(entries[(i-1)*8:], base+uint64(i)*pagepool.PageSize)
	}
	return base, uint64(list.BasePFNWithBias()) * pagepool.PageSize, list, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
