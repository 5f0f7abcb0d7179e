package nvme

import (
	"context"
	"sync"
	"time"

	"pagepool"
	"perrs"
	"plog"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"
)

const (
	maxQueueSize = 1024

	// IO queue 1 shares the admin queue's MSI-X vector (vector 0);
	// every other IO queue gets its own vector equal to its qid.
	vectorAdmin = 0
)

// Options controls bring-up.
type Options struct {
	// RequestedQueues is the number of IO queues the driver asks the
	// controller for; the effective count is negotiated down to
	// min(granted_sq, granted_cq, requested, msix_count).
	RequestedQueues uint32
	// Keepalive enables save/restore across a servicing boundary
	// instead of a hard reset on Drop (spec §4.7).
	Keepalive bool
}

// Namespace is a single NVMe namespace's client-visible state: its id
// and a channel fed on every "changed namespace" async event.
type Namespace struct {
	NSID   uint32
	rescan chan struct{}
}

// Rescan returns a channel that receives a value whenever the
// controller reports this namespace may have changed.
func (n *Namespace) Rescan() <-chan struct{} { return n.rescan }

func (n *Namespace) notifyRescan() {
	select {
	case n.rescan <- struct{}{}:
	default:
	}
}

// Driver owns one NVMe controller: its BAR0 window, the admin queue
// pair, one IO queue pair per CPU (lazily created, falling back to an
// existing lower-indexed queue on creation failure), and the async-
// event task (spec §4.7).
type Driver struct {
	device Device
	bar    *Bar0
	log    logger

	pool      *pagepool.Pool
	allocator *pagepool.Allocator

	dstrd      uint32
	adminDepth uint32
	ioDepth    uint32

	admin       *QueuePair
	adminIssuer *Issuer

	maxIOQueues uint32
	msixCount   uint32
	nextQid     uint16

	mu        sync.Mutex
	perCPU    map[uint32]*Issuer
	cpuQid    map[uint32]uint16
	fallbackCPUs map[uint32]bool

	identifyCtrl []byte
	nsid         uint32

	nsMu       sync.Mutex
	namespaces map[uint32]*Namespace

	keepalive bool

	asyncCancel context.CancelFunc
	asyncDone   chan struct{}

	closed bool
}

// New brings up a controller from scratch: verifies MPSMIN, resets if
// already enabled, creates the admin queue pair, enables the
// controller, negotiates queue counts, and starts the async-event
// task and the eager IO queue 1 on CPU 0 (spec §4.7 "Bring-up").
func New(ctx context.Context, device Device, pool *pagepool.Pool, opts Options) (*Driver, error) {
	mem, err := device.MapBar0()
	if err != nil {
		return nil, perrs.Wrap(perrs.KindDevice, "nvme.New", "BAR0 map failed", err)
	}
	bar := NewBar0(mem)
	cap := bar.Cap()
	if cap.Mpsmin() != 0 {
		return nil, perrs.New(perrs.KindDevice, "nvme.New", "controller requires a memory page size other than 4 KiB")
	}

	log := plog.For("nvme")
	d := &Driver{
		device: device, bar: bar, log: log,
		pool: pool, dstrd: cap.Dstrd(),
		msixCount:    device.MaxInterruptCount(),
		perCPU:       make(map[uint32]*Issuer),
		cpuQid:       make(map[uint32]uint16),
		fallbackCPUs: make(map[uint32]bool),
		namespaces:   make(map[uint32]*Namespace),
		keepalive:    opts.Keepalive,
		nextQid:      1,
	}

	if bar.Csts().Ready() {
		if err := d.reset(ctx); err != nil {
			return nil, err
		}
	}

	d.allocator, err = pool.NewAllocator(device.ID())
	if err != nil {
		return nil, perrs.Wrap(perrs.KindResource, "nvme.New", "allocator claim failed", err)
	}

	d.adminDepth = minU32(maxQueueSize, cap.Mqes())
	d.ioDepth = d.adminDepth

	admin, err := newQueuePair(0, d.adminDepth, d.dstrd, bar, d.allocator, pool, d.allocator, log)
	if err != nil {
		return nil, err
	}
	d.admin = admin
	bar.SetAdminQueues(d.adminDepth, uint64(admin.sq.BasePFNWithBias())*pagepool.PageSize, uint64(admin.cq.BasePFNWithBias())*pagepool.PageSize)
	bar.SetCc(MakeCC(true))

	if err := d.waitReady(ctx); err != nil {
		if bar.Csts().Failed() {
			if rerr := d.reset(ctx); rerr != nil {
				log.Errorf("reset after CSTS.CFS=1 failed: %v", rerr)
			}
		}
		return nil, err
	}

	adminInterrupt, err := device.MapInterrupt(vectorAdmin)
	if err != nil {
		return nil, perrs.Wrap(perrs.KindDevice, "nvme.New", "admin interrupt map failed", err)
	}
	admin.run(ctx, adminInterrupt)
	d.adminIssuer = newIssuer(admin)

	if err := d.identify(ctx); err != nil {
		return nil, err
	}
	if err := d.negotiateQueues(ctx, opts.RequestedQueues); err != nil {
		return nil, err
	}

	asyncCtx, cancel := context.WithCancel(ctx)
	d.asyncCancel = cancel
	d.asyncDone = make(chan struct{})
	go d.asyncEventLoop(asyncCtx)

	if _, err := d.getIssuer(ctx, 0); err != nil {
		return nil, err
	}

	return d, nil
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// waitReady polls CSTS.RDY with exponential backoff; a set CFS bit
// observed mid-poll is a fatal driver failure (spec §4.7/§7).
func (d *Driver) waitReady(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(func() error {
		csts := d.bar.Csts()
		if csts.Failed() {
			return backoff.Permanent(perrs.New(perrs.KindDevice, "nvme.waitReady", "controller reported CSTS.CFS=1"))
		}
		if csts.Ready() {
			return nil
		}
		return perrs.New(perrs.KindDevice, "nvme.waitReady", "controller not yet ready")
	}, backoff.WithContext(b, ctx))
}

// reset disables the controller and waits for RDY to clear, the
// bring-up path used when the controller is found already enabled,
// and the teardown path used on a fatal device error or keepalive=false
// shutdown.
func (d *Driver) reset(ctx context.Context) error {
	d.bar.SetCc(MakeCC(false))
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(func() error {
		if !d.bar.Csts().Ready() {
			return nil
		}
		return perrs.New(perrs.KindDevice, "nvme.reset", "controller still ready after disable")
	}, backoff.WithContext(b, ctx))
}

func (d *Driver) identify(ctx context.Context) error {
	d.identifyCtrl = make([]byte, 4096)
	cmd := identifyControllerCommand(0)
	c, err := d.adminIssuer.IssueOut(ctx, cmd, d.identifyCtrl)
	if err != nil {
		return perrs.Wrap(perrs.KindDevice, "nvme.identify", "Identify(Controller) failed", err)
	}
	if c.Failed() {
		return perrs.New(perrs.KindDevice, "nvme.identify", "Identify(Controller) returned an error status")
	}
	return nil
}

func (d *Driver) negotiateQueues(ctx context.Context, requested uint32) error {
	if requested == 0 {
		requested = 1
	}
	cmd := setFeaturesNumberOfQueuesCommand(uint16(requested-1), uint16(requested-1))
	c, err := d.adminIssuer.IssueRaw(ctx, cmd)
	if err != nil {
		return perrs.Wrap(perrs.KindDevice, "nvme.negotiateQueues", "SetFeatures(NumberOfQueues) failed", err)
	}
	if c.Failed() {
		return perrs.New(perrs.KindDevice, "nvme.negotiateQueues", "SetFeatures(NumberOfQueues) returned an error status")
	}
	grantedSQ, grantedCQ := grantedQueueCounts(c.Dw0)
	effective := minU32(minU32(grantedSQ, grantedCQ), requested)
	if d.msixCount > 0 {
		effective = minU32(effective, d.msixCount)
	}
	if effective < 1 {
		effective = 1
	}
	d.maxIOQueues = effective
	d.log.Infof("negotiated %d IO queues (granted sq=%d cq=%d, requested=%d, msix=%d)", effective, grantedSQ, grantedCQ, requested, d.msixCount)
	return nil
}

// createIoQueue performs the two-step CQ-then-SQ creation for qid on
// vector, rolling the CQ back if SQ creation fails so the device
// never carries a dangling CQ with no owning SQ (spec §4.7).
func (d *Driver) createIoQueue(ctx context.Context, qid, vector uint16) (*QueuePair, error) {
	qp, err := newQueuePair(qid, d.ioDepth, d.dstrd, d.bar, d.allocator, d.pool, d.allocator, d.log)
	if err != nil {
		return nil, err
	}
	cqCmd := createIoCQCommand(qid, d.ioDepth, uint64(qp.cq.BasePFNWithBias())*pagepool.PageSize, vector)
	c, err := d.adminIssuer.IssueRaw(ctx, cqCmd)
	if err != nil || c.Failed() {
		d.pool.Free(qp.sq)
		d.pool.Free(qp.cq)
		if err == nil {
			err = perrs.New(perrs.KindResource, "nvme.createIoQueue", "CreateIoCQ rejected by controller")
		}
		return nil, err
	}
	sqCmd := createIoSQCommand(qid, d.ioDepth, uint64(qp.sq.BasePFNWithBias())*pagepool.PageSize, qid)
	c, err = d.adminIssuer.IssueRaw(ctx, sqCmd)
	if err != nil || c.Failed() {
		d.adminIssuer.IssueRaw(ctx, deleteIoCQCommand(qid))
		d.pool.Free(qp.sq)
		d.pool.Free(qp.cq)
		if err == nil {
			err = perrs.New(perrs.KindResource, "nvme.createIoQueue", "CreateIoSQ rejected by controller")
		}
		return nil, err
	}
	interrupt, err := d.device.MapInterrupt(vector)
	if err != nil {
		return nil, perrs.Wrap(perrs.KindDevice, "nvme.createIoQueue", "interrupt map failed", err)
	}
	qp.run(ctx, interrupt)
	return qp, nil
}

// getIssuer returns the Issuer a command from cpu should use: the
// queue created for that CPU if it exists, the queue lazily created
// on first access, or (if creation fails) the nearest lower-indexed
// CPU's queue, silently counting the fallback (spec §4.7, §8 scenario
// 6, and the REDESIGN FLAG on whether fallback should be silent --
// kept silent here per "preserved as today's behaviour" guidance
// elsewhere in the design notes; FallbackCPUCount exposes it for
// callers who want to detect the condition).
func (d *Driver) getIssuer(ctx context.Context, cpu uint32) (*Issuer, error) {
	d.mu.Lock()
	if iss, ok := d.perCPU[cpu]; ok {
		d.mu.Unlock()
		return iss, nil
	}
	d.mu.Unlock()

	qid := d.nextQidFor(cpu)
	vector := qid
	if qid == 1 {
		vector = vectorAdmin
	}
	if qid <= uint16(d.maxIOQueues) {
		qp, err := d.createIoQueue(ctx, qid, vector)
		if err == nil {
			iss := newIssuer(qp)
			d.mu.Lock()
			d.perCPU[cpu] = iss
			d.cpuQid[cpu] = qid
			d.mu.Unlock()
			return iss, nil
		}
		d.log.Errorf("IO queue %d creation failed for cpu %d, falling back: %v", qid, cpu, err)
	}

	iss, fallbackQid, ok := d.nearestLowerIssuer(cpu)
	if !ok {
		return nil, perrs.New(perrs.KindResource, "nvme.getIssuer", "no IO queue available to fall back to")
	}
	d.mu.Lock()
	d.perCPU[cpu] = iss
	d.cpuQid[cpu] = fallbackQid
	d.fallbackCPUs[cpu] = true
	d.mu.Unlock()
	return iss, nil
}

// nextQidFor returns the queue id this driver would assign cpu on
// eager/lazy creation: a straight 1:1 mapping, cpu 0 getting queue 1.
func (d *Driver) nextQidFor(cpu uint32) uint16 { return uint16(cpu + 1) }

func (d *Driver) nearestLowerIssuer(cpu uint32) (*Issuer, uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c := int64(cpu) - 1; c >= 0; c-- {
		if qid, ok := d.cpuQid[uint32(c)]; ok {
			return d.perCPU[uint32(c)], qid, true
		}
	}
	return nil, 0, false
}

// FallbackCPUCount returns the number of CPUs currently routed to
// another CPU's IO queue because their own queue could not be
// created (spec §8 scenario 6).
func (d *Driver) FallbackCPUCount() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint32(len(d.fallbackCPUs))
}

// IssueIO issues cmd on the IO queue assigned to cpu, creating it on
// first use.
func (d *Driver) IssueIO(ctx context.Context, cpu uint32, cmd Command, buf []byte) (Completion, error) {
	iss, err := d.getIssuer(ctx, cpu)
	if err != nil {
		return Completion{}, err
	}
	if buf == nil {
		return iss.IssueRaw(ctx, cmd)
	}
	return iss.IssueOut(ctx, cmd, buf)
}

// Namespace returns the namespace handle for nsid, creating it (and
// performing Identify(Namespace)) on first access.
func (d *Driver) Namespace(ctx context.Context, nsid uint32) (*Namespace, error) {
	d.nsMu.Lock()
	if ns, ok := d.namespaces[nsid]; ok {
		d.nsMu.Unlock()
		return ns, nil
	}
	d.nsMu.Unlock()

	buf := make([]byte, 4096)
	c, err := d.adminIssuer.IssueOut(ctx, identifyNamespaceCommand(nsid, 0), buf)
	if err != nil {
		return nil, perrs.Wrap(perrs.KindDevice, "nvme.Namespace", "Identify(Namespace) failed", err)
	}
	if c.Failed() {
		return nil, perrs.New(perrs.KindDevice, "nvme.Namespace", "Identify(Namespace) returned an error status")
	}
	ns := &Namespace{NSID: nsid, rescan: make(chan struct{}, 1)}
	d.nsMu.Lock()
	d.namespaces[nsid] = ns
	d.nsMu.Unlock()
	return ns, nil
}

// asyncEventLoop issues AsynchronousEventRequest in a loop, paced so
// a misbehaving controller that keeps completing it immediately
// cannot spin the task (spec §4.7 "Async-event loop").
func (d *Driver) asyncEventLoop(ctx context.Context) {
	defer close(d.asyncDone)
	limiter := rate.NewLimiter(rate.Limit(50), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		c, err := d.adminIssuer.IssueRaw(ctx, asyncEventRequestCommand())
		if err != nil {
			return
		}
		if c.Failed() {
			d.log.Errorf("AsynchronousEventRequest returned an error status")
			continue
		}
		switch decodeAsyncEventType(c.Dw0) {
		case asyncEventNotice:
			d.handleChangedNamespaces(ctx)
		default:
			d.log.Infof("async event type=%d logged, no action taken", decodeAsyncEventType(c.Dw0))
		}
	}
}

func (d *Driver) handleChangedNamespaces(ctx context.Context) {
	buf := make([]byte, 4096)
	c, err := d.adminIssuer.IssueOut(ctx, getChangedNsListCommand(0), buf)
	if err != nil || c.Failed() {
		d.log.Errorf("GetLogPage(ChangedNamespaceList) failed: %v", err)
		return
	}
	d.nsMu.Lock()
	defer d.nsMu.Unlock()
	for _, ns := range d.namespaces {
		ns.notifyRescan()
	}
}

// Shutdown tears the driver down for good: without keepalive, it
// issues a full controller reset, invalidating every queue in one
// step, before draining and freeing their DMA memory; with keepalive
// it instead asks the controller to delete each queue individually so
// the controller's own accounting stays consistent to the end (spec
// §4.7 "When keepalive is false, drop issues a reset and invalidates
// all queues").
func (d *Driver) Shutdown(ctx context.Context) error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.asyncCancel != nil {
		d.asyncCancel()
		<-d.asyncDone
	}

	d.mu.Lock()
	seen := make(map[uint16]*QueuePair)
	for cpu, qid := range d.cpuQid {
		if !d.fallbackCPUs[cpu] {
			seen[qid] = d.perCPU[cpu].qp
		}
	}
	d.mu.Unlock()

	if !d.keepalive {
		if err := d.reset(ctx); err != nil {
			d.log.Errorf("reset during shutdown failed: %v", err)
		}
		for _, qp := range seen {
			if err := qp.shutdown(ctx); err != nil {
				return err
			}
		}
		return d.admin.shutdown(ctx)
	}

	for _, qp := range seen {
		if err := qp.shutdown(ctx); err != nil {
			return err
		}
		d.adminIssuer.IssueRaw(ctx, deleteIoSQCommand(qp.qid))
		d.adminIssuer.IssueRaw(ctx, deleteIoCQCommand(qp.qid))
	}
	return d.admin.shutdown(ctx)
}

// Quiesce stops every queue pair's completion reaper and the async-
// event task without freeing DMA memory or touching the controller,
// then returns a Save record -- the servicing-handoff path, as
// opposed to Shutdown's permanent teardown. The receiving process
// calls Restore with the same record to resume issuing against the
// still-running controller.
//
// Every queue pair's outstanding commands are drained before its
// reaper is stopped and before Save captures doorbell state: draining
// after cancellation would leave any command issued without its own
// deadline blocked forever, since nothing would be left to process
// its completion, and saving sqTail/cqHead before the queue has
// settled would capture a doorbell position the hardware has already
// moved past.
func (d *Driver) Quiesce(ctx context.Context) ([]byte, error) {
	if !d.keepalive {
		return nil, perrs.New(perrs.KindSaveRestore, "nvme.Driver.Quiesce", "Quiesce requires Keepalive")
	}
	d.closed = true
	if d.asyncCancel != nil {
		d.asyncCancel()
		<-d.asyncDone
	}

	d.mu.Lock()
	seen := map[uint16]*QueuePair{0: d.admin}
	for cpu, qid := range d.cpuQid {
		if !d.fallbackCPUs[cpu] {
			seen[qid] = d.perCPU[cpu].qp
		}
	}
	d.mu.Unlock()

	for _, qp := range seen {
		if err := qp.drainOutstanding(ctx); err != nil {
			return nil, err
		}
	}

	data, err := d.Save(ctx)
	if err != nil {
		return nil, err
	}

	for _, qp := range seen {
		if qp.cancel != nil {
			qp.cancel()
			<-qp.done
		}
	}
	return data, nil
}
