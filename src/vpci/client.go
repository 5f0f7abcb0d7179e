package vpci

import (
	"context"
	"sync"

	"perrs"
	"plog"
	"vmbus"

	"mpsc"

	"golang.org/x/sync/errgroup"
)

// Client is a VPCI bus client: one per bus, owning a vmbus.Channel and
// the set of devices reported by the host. After Connect's protocol
// negotiation, which uses the channel directly, a single worker
// goroutine services the requests that RegisterInterrupt,
// RelayTdispCommand and Connect enqueue over an mpsc channel. There is
// no transaction slab: each request is a synchronous send-then-receive
// pair and carries no transaction id.
type Client struct {
	channel vmbus.Channel
	log     logrusEntry

	reqSend *mpsc.Sender[*request]
	reqRecv *mpsc.Receiver[*request]

	group  *errgroup.Group
	cancel context.CancelFunc

	mu      sync.Mutex
	devices map[uint16]*Device
	access  *configAccess
}

type logrusEntry = interface {
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

type requestKind int

const (
	reqFdoD0Entry requestKind = iota
	reqCreateInterrupt
	reqTdispCommand
)

type request struct {
	kind      requestKind
	mmioStart uint64
	slot      uint16
	params    InterruptParams
	payload   []byte
	reply     chan any
}

// New connects a Client to channel, backed by access for
// configuration-space MMIO (spec §2's "C5... uses C3 for config-space
// MMIO"). Connect must be called once to negotiate the protocol and
// activate the bus before devices appear.
func New(channel vmbus.Channel, access ConfigSpaceAccess) *Client {
	send, recv := mpsc.New[*request]()
	return &Client{
		channel: channel,
		log:     plog.For("vpci"),
		reqSend: send,
		reqRecv: recv,
		devices: make(map[uint16]*Device),
		access:  &configAccess{backing: access},
	}
}

// Connect negotiates the VPCI protocol version (downgrading on
// InvalidDeviceState), activates the bus with FdoD0Entry, and starts
// the worker goroutine. Buffered BusRelations2 packets received before
// or during activation are folded into the initial device set.
func (c *Client) Connect(ctx context.Context, mmioStart uint64) error {
	version, err := c.negotiate(ctx)
	if err != nil {
		return err
	}
	c.log.Infof("negotiated vpci protocol version 0x%x", version)

	workerCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	g, gctx := errgroup.WithContext(workerCtx)
	c.group = g
	g.Go(func() error { return c.run(gctx) })

	reply := make(chan any, 1)
	c.enqueue(&request{kind: reqFdoD0Entry, mmioStart: mmioStart, reply: reply})
	select {
	case r := <-reply:
		if err, ok := r.(error); ok {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) negotiate(ctx context.Context) (uint32, error) {
	for _, version := range protocolVersions {
		if err := c.channel.Send(ctx, queryProtocolVersion{Type: msgQueryProtocolVersion, Version: version}.marshal()); err != nil {
			return 0, perrs.Wrap(perrs.KindProtocol, "vpci.negotiate", "send failed", err)
		}
		buf, err := c.channel.Recv(ctx)
		if err != nil {
			return 0, perrs.Wrap(perrs.KindProtocol, "vpci.negotiate", "recv failed", err)
		}
		reply, ok := unmarshalQueryProtocolVersionReply(buf)
		if !ok {
			return 0, perrs.New(perrs.KindProtocol, "vpci.negotiate", "malformed QueryProtocolVersion reply")
		}
		if reply.Status == statusSuccess {
			return version, nil
		}
		if reply.Status != statusInvalidDeviceState {
			return 0, perrs.New(perrs.KindProtocol, "vpci.negotiate", "unexpected negotiation status")
		}
	}
	return 0, perrs.New(perrs.KindProtocol, "vpci.negotiate", "no supported VPCI protocol version found")
}

func (c *Client) enqueue(r *request) {
	if err := c.reqSend.Send(r); err != nil {
		r.reply <- perrs.Wrap(perrs.KindProtocol, "vpci", "client is shut down", err)
	}
}

// Close shuts down the worker and the underlying channel.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.reqRecv.Close()
	if c.group != nil {
		_ = c.group.Wait()
	}
	return c.channel.Close()
}

// Devices returns a snapshot of the currently known device set.
func (c *Client) Devices() []*Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	return out
}

// RegisterInterrupt asks the host to program an MSI vector for slot
// and returns the (address, data) pair to write into the device's
// MSI-X table (spec §4.5/§8 scenario 3).
func (c *Client) RegisterInterrupt(slot uint16, params InterruptParams) (MsiAddressData, error) {
	reply := make(chan any, 1)
	c.enqueue(&request{kind: reqCreateInterrupt, slot: slot, params: params, reply: reply})
	r := <-reply
	if err, ok := r.(error); ok {
		return MsiAddressData{}, err
	}
	return r.(MsiAddressData), nil
}

// UnregisterInterrupt only logs the (address, data) pair being
// released; it sends nothing to the host and returns no error.
func (c *Client) UnregisterInterrupt(address uint64, data uint32) {
	c.log.Infof("unregister_interrupt address=0x%x data=0x%x (best effort)", address, data)
}

// RelayTdispCommand forwards a TDISP command to the host for slot,
// refusing oversized payloads before transmit (spec §4.5 "over-sized
// commands are refused before transmit").
func (c *Client) RelayTdispCommand(slot uint16, payload []byte) (TdispRelayResponse, error) {
	if len(payload) > MaxVpciTdispCommandSize {
		return TdispRelayResponse{}, perrs.New(perrs.KindProtocol, "vpci.RelayTdispCommand", "payload exceeds MaxVpciTdispCommandSize")
	}
	reply := make(chan any, 1)
	c.enqueue(&request{kind: reqTdispCommand, slot: slot, payload: payload, reply: reply})
	r := <-reply
	if err, ok := r.(error); ok {
		return TdispRelayResponse{}, err
	}
	return r.(TdispRelayResponse), nil
}

// run is the single worker goroutine: it interleaves request service
// with incoming
// host packets (spec §4.5 "a single worker task... interleaves
// request service with incoming host packets in a race"). The race is
// expressed as a select over two feeder goroutines rather than a
// single-threaded future combinator, the idiomatic Go substitute.
func (c *Client) run(ctx context.Context) error {
	pktCh := make(chan []byte)
	reqCh := make(chan *request)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(pktCh)
		for {
			buf, err := c.channel.Recv(gctx)
			if err != nil {
				return nil
			}
			select {
			case pktCh <- buf:
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		defer close(reqCh)
		for {
			r, err := c.reqRecv.Recv()
			if err != nil {
				return nil
			}
			select {
			case reqCh <- r:
			case <-gctx.Done():
				return nil
			}
		}
	})

	for {
		select {
		case buf, ok := <-pktCh:
			if !ok {
				pktCh = nil
				continue
			}
			c.handlePacket(gctx, buf)
		case r, ok := <-reqCh:
			if !ok {
				reqCh = nil
				continue
			}
			c.handleRequest(gctx, r, pktCh)
		case <-gctx.Done():
			return g.Wait()
		}
		if pktCh == nil && reqCh == nil {
			return g.Wait()
		}
	}
}

func (c *Client) handleRequest(ctx context.Context, r *request, pkts <-chan []byte) {
	// Replies come from the packet feeder, the channel's only reader.
	recv := func(ctx context.Context) ([]byte, error) {
		select {
		case buf, ok := <-pkts:
			if !ok {
				return nil, perrs.New(perrs.KindProtocol, "vpci", "channel closed")
			}
			return buf, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	switch r.kind {
	case reqFdoD0Entry:
		err := c.channel.Send(ctx, fdoD0Entry{Type: msgFdoD0Entry, MmioStart: r.mmioStart}.marshal())
		if err != nil {
			r.reply <- perrs.Wrap(perrs.KindProtocol, "vpci.Connect", "FdoD0Entry send failed", err)
			return
		}
		// The completion may be preceded by BusRelations2 packets
		// reporting the bus's initial device set (spec §4.5).
		for {
			buf, err := recv(ctx)
			if err != nil {
				r.reply <- perrs.Wrap(perrs.KindProtocol, "vpci.Connect", "FdoD0Entry recv failed", err)
				return
			}
			typ, ok := unmarshalMsgType(buf)
			if !ok {
				r.reply <- perrs.New(perrs.KindProtocol, "vpci.Connect", "malformed packet during FdoD0Entry transaction")
				return
			}
			if typ == msgBusRelations2 {
				if devices, ok := unmarshalBusRelations2(buf); ok {
					c.applyBusRelations(devices)
				}
				continue
			}
			reply, ok := unmarshalFdoD0EntryReply(buf)
			if !ok {
				r.reply <- perrs.New(perrs.KindProtocol, "vpci.Connect", "malformed FdoD0Entry reply")
				return
			}
			if reply.Status != statusSuccess {
				r.reply <- perrs.New(perrs.KindProtocol, "vpci.Connect", "host refused FdoD0Entry")
				return
			}
			r.reply <- nil
			return
		}
	case reqCreateInterrupt:
		if err := c.channel.Send(ctx, marshalCreateInterrupt2(r.slot, r.params)); err != nil {
			r.reply <- perrs.Wrap(perrs.KindProtocol, "vpci.RegisterInterrupt", "send failed", err)
			return
		}
		buf, err := recv(ctx)
		if err != nil {
			r.reply <- perrs.Wrap(perrs.KindProtocol, "vpci.RegisterInterrupt", "recv failed", err)
			return
		}
		addr, status, ok := unmarshalCreateInterrupt2Reply(buf)
		if !ok {
			r.reply <- perrs.New(perrs.KindProtocol, "vpci.RegisterInterrupt", "malformed CreateInterrupt2 reply")
			return
		}
		if status != statusSuccess {
			r.reply <- perrs.New(perrs.KindProtocol, "vpci.RegisterInterrupt", "host refused interrupt registration")
			return
		}
		r.reply <- addr
	case reqTdispCommand:
		if err := c.channel.Send(ctx, marshalVpciTdispCommand(r.slot, r.payload)); err != nil {
			r.reply <- perrs.Wrap(perrs.KindProtocol, "vpci.RelayTdispCommand", "send failed", err)
			return
		}
		buf, err := recv(ctx)
		if err != nil {
			r.reply <- perrs.Wrap(perrs.KindProtocol, "vpci.RelayTdispCommand", "recv failed", err)
			return
		}
		resp, ok := unmarshalVpciTdispCommandReply(buf)
		if !ok {
			r.reply <- perrs.New(perrs.KindProtocol, "vpci.RelayTdispCommand", "malformed VpciTdispCommand reply")
			return
		}
		r.reply <- resp
	}
}

// handlePacket processes an unsolicited host packet: BusRelations2
// device-list updates and Eject notifications (spec §4.5 "Device
// lifecycle"). Completion packets for transact-style requests are
// read by handleRequest from the packet feeder instead of routed through here,
// since this client's requests are synchronous send-then-recv pairs
// rather than a free-running transaction slab keyed by id -- a
// simplification spec §4.5's "single worker task" leaves open, since
// it only requires request service and host packets to interleave,
// not that every request use the slab.
func (c *Client) handlePacket(ctx context.Context, buf []byte) {
	typ, ok := unmarshalMsgType(buf)
	if !ok {
		return
	}
	switch typ {
	case msgBusRelations2:
		if devices, ok := unmarshalBusRelations2(buf); ok {
			c.applyBusRelations(devices)
		}
	case msgEject:
		if slot, ok := unmarshalEject(buf); ok {
			c.ejectDevice(ctx, slot)
		}
	}
}

func (c *Client) applyBusRelations(descs []DeviceDescription2) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[uint16]bool, len(descs))
	for _, desc := range descs {
		seen[desc.Slot] = true
		if existing, ok := c.devices[desc.Slot]; ok {
			if existing.matches(desc) {
				continue
			}
			c.log.Infof("slot %d reincarnated, bumping sequence", desc.Slot)
			c.devices[desc.Slot] = newDevice(desc, existing.Sequence+1, c.access)
			continue
		}
		c.devices[desc.Slot] = newDevice(desc, 1, c.access)
	}
	for slot := range c.devices {
		if !seen[slot] {
			delete(c.devices, slot)
		}
	}
}

// ejectDevice notifies the device's owner that the host ejected it and
// removes it from the device table immediately, but defers
// EjectComplete to a background waiter: the host must not hear
// EjectComplete until the caller has observed Ejected() and called
// Device.Release() (spec §4.5), and the worker loop above must not
// block on that handshake in the meantime.
func (c *Client) ejectDevice(ctx context.Context, slot uint16) {
	c.mu.Lock()
	d, ok := c.devices[slot]
	if ok {
		delete(c.devices, slot)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	d.notifyEjected()
	go func() {
		select {
		case <-d.releasedCh:
		case <-ctx.Done():
			return
		}
		if err := c.channel.Send(ctx, marshalEjectComplete(slot)); err != nil {
			c.log.Errorf("failed to send EjectComplete for slot %d: %v", slot, err)
		}
	}()
}
