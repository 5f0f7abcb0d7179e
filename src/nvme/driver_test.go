package nvme

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"pagepool"
)

// fakeInterrupt is a test Interrupt simulating one MSI-X vector. A
// vector can be shared by more than one queue pair (admin and IO
// queue 1 both wait on vector 0), so fire broadcasts to every current
// waiter rather than waking a single arbitrary one the way a plain
// channel would -- the same fan-out a shared IRQ line gives every
// handler registered against it.
type fakeInterrupt struct {
	mu   sync.Mutex
	subs []chan struct{}
}

func newFakeInterrupt() *fakeInterrupt { return &fakeInterrupt{} }

func (f *fakeInterrupt) Wait(ctx context.Context) error {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	defer f.unsubscribe(ch)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeInterrupt) unsubscribe(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.subs {
		if c == ch {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			break
		}
	}
}

func (f *fakeInterrupt) fire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// fakeQueueState is the controller-side bookkeeping for one queue.
type fakeQueueState struct {
	depth   uint32
	sqBase  uint64
	cqBase  uint64
	vector  uint16
	sqHead  uint32
	cqTail  uint32
	cqPhase bool
}

// fakeController is a minimal software model of an NVMe controller,
// enough to exercise bring-up, Identify/SetFeatures negotiation,
// per-CPU IO queue creation with a configurable grant ceiling, and
// shutdown. It runs its own polling loop rather than reacting to
// doorbell writes synchronously, the same way real hardware has no
// out-of-band signal for "a doorbell changed" either.
type fakeController struct {
	bar     *Bar0
	backing []byte
	dstrd   uint32

	grantedQueues uint32

	mu         sync.Mutex
	admin      *fakeQueueState
	io         map[uint16]*fakeQueueState
	interrupts map[uint16]*fakeInterrupt

	stop chan struct{}
}

// newFakeController models a controller whose DMA-visible memory is
// the same backing array the driver's pagepool.Pool allocates out of:
// PRP addresses the driver builds are byte offsets into that array,
// so the fake must read/write through it rather than memory of its
// own.
func newFakeController(grantedQueues uint32, backing []byte) *fakeController {
	regs := make([]byte, 0x3000)
	bar := NewBar0(regs)
	bar.setCap(Cap(uint64(16-1) | uint64(0)<<32 | uint64(0)<<48)) // MQES=16, DSTRD=0, MPSMIN=0
	return &fakeController{
		bar:           bar,
		backing:       backing,
		grantedQueues: grantedQueues,
		io:            make(map[uint16]*fakeQueueState),
		interrupts:    make(map[uint16]*fakeInterrupt),
		stop:          make(chan struct{}),
	}
}

func (c *fakeController) ID() string               { return "fake-nvme-0" }
func (c *fakeController) MaxInterruptCount() uint32 { return 16 }
func (c *fakeController) MapBar0() ([]byte, error)  { return c.bar.mem, nil }

func (c *fakeController) MapInterrupt(vector uint16) (Interrupt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.interrupts[vector]; ok {
		return it, nil
	}
	it := newFakeInterrupt()
	c.interrupts[vector] = it
	return it, nil
}

func (c *fakeController) fire(vector uint16) {
	c.mu.Lock()
	it := c.interrupts[vector]
	c.mu.Unlock()
	if it != nil {
		it.fire()
	}
}

func (c *fakeController) dataAt(addr uint64, n int) []byte {
	return c.backing[int(addr) : int(addr)+n]
}

// run starts the controller's background service loop. It polls CC
// for the enable transition and every known queue's SQ tail
// doorbell, processing any newly-submitted commands it finds.
func (c *fakeController) run() {
	go func() {
		enabled := false
		for {
			select {
			case <-c.stop:
				return
			default:
			}
			if !enabled && c.bar.Cc().Enabled() {
				enabled = true
				depth := (c.bar.aqa() & 0xFFF) + 1
				c.mu.Lock()
				c.admin = &fakeQueueState{depth: depth, sqBase: c.bar.asq(), cqBase: c.bar.acq(), cqPhase: true}
				c.mu.Unlock()
				time.Sleep(time.Millisecond)
				c.bar.setCsts(Csts(cstsRdy))
			}
			if !c.bar.Cc().Enabled() {
				enabled = false
				c.bar.setCsts(Csts(0))
			}
			if enabled {
				c.poll(0, c.admin)
				c.mu.Lock()
				queues := make(map[uint16]*fakeQueueState, len(c.io))
				for qid, q := range c.io {
					queues[qid] = q
				}
				c.mu.Unlock()
				for qid, q := range queues {
					c.poll(qid, q)
				}
			}
			time.Sleep(200 * time.Microsecond)
		}
	}()
}

func (c *fakeController) close() { close(c.stop) }

func (c *fakeController) poll(qid uint16, q *fakeQueueState) {
	if q == nil {
		return
	}
	tail := c.bar.readDoorbell(qid, c.dstrd, false)
	for q.sqHead != tail {
		off := q.sqBase + uint64(q.sqHead)*CommandSize
		cmd := unmarshalCommand(c.dataAt(off, CommandSize))
		q.sqHead++
		if q.sqHead == q.depth {
			q.sqHead = 0
		}
		comp := c.execute(qid, cmd)
		c.postCompletion(qid, q, comp)
	}
}

func (c *fakeController) postCompletion(qid uint16, q *fakeQueueState, comp Completion) {
	status := comp.Status << 1
	if q.cqPhase {
		status |= 1
	}
	comp.Status = status
	off := q.cqBase + uint64(q.cqTail)*CompletionSize
	copy(c.dataAt(off, CompletionSize), marshalCompletion(comp))
	q.cqTail++
	if q.cqTail == q.depth {
		q.cqTail = 0
		q.cqPhase = !q.cqPhase
	}
	c.fire(q.vector)
}

func (c *fakeController) execute(qid uint16, cmd Command) Completion {
	switch cmd.Opcode {
	case OpIdentify:
		buf := c.dataAt(cmd.Prp1, 4096)
		if cmd.Cdw10 == cnsController {
			for i := range buf {
				buf[i] = 0xAB
			}
		} else {
			for i := range buf {
				buf[i] = 0xCD
			}
		}
		return Completion{Cid: cmd.Cid}
	case OpSetFeatures:
		if cmd.Cdw10 == featNumberOfQueues {
			reqSQ := cmd.Cdw11 & 0xFFFF
			reqCQ := (cmd.Cdw11 >> 16) & 0xFFFF
			grant := c.grantedQueues - 1
			if reqSQ < grant {
				grant = reqSQ
			}
			grantSQ, grantCQ := grant, grant
			if reqCQ < grantCQ {
				grantCQ = reqCQ
			}
			dw0 := grantSQ | grantCQ<<16
			return Completion{Cid: cmd.Cid, Dw0: dw0}
		}
		return Completion{Cid: cmd.Cid}
	case OpCreateIoCQ:
		newQid := uint16(cmd.Cdw10 & 0xFFFF)
		depth := (cmd.Cdw10 >> 16) + 1
		vector := uint16(cmd.Cdw11 >> 16)
		if uint32(newQid) > c.grantedQueues {
			return Completion{Cid: cmd.Cid, Status: 1}
		}
		c.mu.Lock()
		c.io[newQid] = &fakeQueueState{depth: depth, cqBase: cmd.Prp1, vector: vector, cqPhase: true}
		c.mu.Unlock()
		return Completion{Cid: cmd.Cid}
	case OpCreateIoSQ:
		newQid := uint16(cmd.Cdw10 & 0xFFFF)
		c.mu.Lock()
		q, ok := c.io[newQid]
		if ok {
			q.sqBase = cmd.Prp1
		}
		c.mu.Unlock()
		if !ok {
			return Completion{Cid: cmd.Cid, Status: 1}
		}
		return Completion{Cid: cmd.Cid}
	case OpDeleteIoCQ, OpDeleteIoSQ:
		return Completion{Cid: cmd.Cid}
	case OpGetLogPage:
		buf := c.dataAt(cmd.Prp1, 4096)
		binary.LittleEndian.PutUint32(buf, 1) // one changed namespace: nsid 1
		return Completion{Cid: cmd.Cid}
	default:
		return Completion{Cid: cmd.Cid}
	}
}

func newTestDriver(t *testing.T, grantedQueues, requestedQueues uint32) (*Driver, *fakeController) {
	t.Helper()
	backing := make([]byte, 4096*4096)
	ctrl := newFakeController(grantedQueues, backing)
	ctrl.run()
	t.Cleanup(ctrl.close)

	pool := pagepool.NewSourcePool(pagepool.FileSource{}, backing)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	d, err := New(ctx, ctrl, pool, Options{RequestedQueues: requestedQueues})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		d.Shutdown(shutdownCtx)
	})
	return d, ctrl
}

func TestDriverBringUpIdentifiesController(t *testing.T) {
	d, _ := newTestDriver(t, 4, 4)
	for _, b := range d.identifyCtrl {
		if b != 0xAB {
			t.Fatalf("identify buffer not filled by controller")
		}
	}
}

func TestDriverNegotiatesEffectiveQueueCount(t *testing.T) {
	d, _ := newTestDriver(t, 4, 8)
	if d.maxIOQueues != 4 {
		t.Fatalf("maxIOQueues = %d, want 4 (clamped by controller grant)", d.maxIOQueues)
	}
}

func TestDriverFallsBackWhenQueueCreationFails(t *testing.T) {
	d, _ := newTestDriver(t, 4, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for cpu := uint32(0); cpu < 8; cpu++ {
		if _, err := d.getIssuer(ctx, cpu); err != nil {
			t.Fatalf("getIssuer(cpu=%d): %v", cpu, err)
		}
	}
	if got := d.FallbackCPUCount(); got != 4 {
		t.Fatalf("FallbackCPUCount() = %d, want 4", got)
	}
}

func TestDriverIssueIOCompletesSuccessfully(t *testing.T) {
	d, _ := newTestDriver(t, 4, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := d.IssueIO(ctx, 0, Command{Opcode: OpIoFlush, Nsid: 1}, nil)
	if err != nil {
		t.Fatalf("IssueIO: %v", err)
	}
	if c.Failed() {
		t.Fatalf("completion reported failure")
	}
}

func TestQuiesceAndRestoreRoundTrip(t *testing.T) {
	backing := make([]byte, 4096*4096)
	ctrl := newFakeController(4, backing)
	ctrl.run()
	t.Cleanup(ctrl.close)

	pool := pagepool.NewSourcePool(pagepool.FileSource{}, backing)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := New(ctx, ctrl, pool, Options{RequestedQueues: 4, Keepalive: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ns, err := d.Namespace(ctx, 1)
	if err != nil {
		t.Fatalf("Namespace: %v", err)
	}
	if _, err := d.IssueIO(ctx, 0, Command{Opcode: OpIoFlush, Nsid: 1}, nil); err != nil {
		t.Fatalf("IssueIO before quiesce: %v", err)
	}

	data, err := d.Quiesce(ctx)
	if err != nil {
		t.Fatalf("Quiesce: %v", err)
	}

	d2, err := Restore(ctx, ctrl, pool, data)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		d2.Shutdown(shutdownCtx)
	})

	if _, ok := d2.namespaces[ns.NSID]; !ok {
		t.Fatalf("namespace %d did not survive restore", ns.NSID)
	}

	c, err := d2.IssueIO(ctx, 0, Command{Opcode: OpIoFlush, Nsid: 1}, nil)
	if err != nil {
		t.Fatalf("IssueIO after restore: %v", err)
	}
	if c.Failed() {
		t.Fatalf("completion reported failure after restore")
	}
}

func TestHandleChangedNamespacesNotifiesRegisteredNamespaces(t *testing.T) {
	d, _ := newTestDriver(t, 4, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ns, err := d.Namespace(ctx, 1)
	if err != nil {
		t.Fatalf("Namespace: %v", err)
	}
	d.handleChangedNamespaces(ctx)
	select {
	case <-ns.Rescan():
	default:
		t.Fatalf("expected namespace rescan notification")
	}
}
