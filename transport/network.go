// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/ovault/chain"
	"github.com/luxfi/ovault/metrics"
	"github.com/luxfi/ovault/options"
)

var ErrPacketNotFound = errors.New("packet not found")

type composeID struct {
	guid  common.Hash
	index uint16
}

// pathID identifies an ordered channel between two applications.
type pathID struct {
	srcEid   uint32
	sender   common.Address
	dstEid   uint32
	receiver common.Hash
}

func (p *Packet) path() pathID {
	return pathID{srcEid: p.SrcEid, sender: p.Sender, dstEid: p.DstEid, receiver: p.Receiver}
}

// Network relays packets and compose messages between endpoints. Nothing is
// delivered until DeliverNext, Flush or one of the replay methods is called.
//
// Packets are queued per path. A packet that fails stays at the head of its
// path and holds back only the packets behind it. Compose messages are not
// ordered: a failed one stays queued without holding back the others.
type Network struct {
	log log.Logger

	mu        sync.Mutex
	endpoints map[uint32]*Endpoint
	executors map[uint32]common.Address
	paths     []pathID
	packets   map[pathID][]Packet
	composes  []ComposeMessage
	sent      map[common.Hash]Packet
	queued    map[composeID]ComposeMessage
}

// NewNetwork returns an empty network.
func NewNetwork(logger log.Logger) *Network {
	return &Network{
		log:       logger,
		endpoints: make(map[uint32]*Endpoint),
		executors: make(map[uint32]common.Address),
		packets:   make(map[pathID][]Packet),
		sent:      make(map[common.Hash]Packet),
		queued:    make(map[composeID]ComposeMessage),
	}
}

// Attach deploys an endpoint owned by [owner] on [c]. Deliveries on [c] are
// executed by [executor], which fronts any native value the options request.
func (n *Network) Attach(c *chain.Chain, owner, executor common.Address) *Endpoint {
	e := &Endpoint{
		eid:       c.EID(),
		address:   c.NextAddress(owner),
		owner:     owner,
		treasury:  c.NextAddress(owner),
		chain:     c,
		network:   n,
		log:       n.log,
		receivers: make(map[common.Address]Receiver),
		composers: make(map[common.Address]Composer),
	}
	e.fees.Store(DefaultFeeModel())

	n.mu.Lock()
	defer n.mu.Unlock()
	n.endpoints[c.EID()] = e
	n.executors[c.EID()] = executor

	n.log.Info("attached endpoint",
		"eid", c.EID(),
		"address", e.address,
		"executor", executor,
	)
	return e
}

// Endpoint returns the endpoint serving [eid].
func (n *Network) Endpoint(eid uint32) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.endpoints[eid]
	return e, ok
}

// Executor returns the executor account of [eid].
func (n *Network) Executor(eid uint32) common.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.executors[eid]
}

// Pending returns the number of undelivered packets and compose messages.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	pending := len(n.composes)
	for _, queue := range n.packets {
		pending += len(queue)
	}
	return pending
}

func (n *Network) enqueuePacket(p Packet) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := p.path()
	if _, ok := n.packets[id]; !ok {
		n.paths = append(n.paths, id)
	}
	n.packets[id] = append(n.packets[id], p)
	n.sent[p.GUID] = p
	metrics.RecordPacket(metrics.StatusSent)
}

func (n *Network) enqueueCompose(m ComposeMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m.Value = n.composeValue(m.GUID, m.Index)
	n.composes = append(n.composes, m)
	n.queued[composeID{guid: m.GUID, index: m.Index}] = m
	metrics.RecordCompose(metrics.StatusSent)
}

// composeValue is the value the packet's options grant compose [index].
func (n *Network) composeValue(guid common.Hash, index uint16) *big.Int {
	p, ok := n.sent[guid]
	if !ok {
		return new(big.Int)
	}
	opts, err := options.Parse(p.Options)
	if err != nil {
		return new(big.Int)
	}
	c, ok := opts.Compose(index)
	if !ok {
		return new(big.Int)
	}
	return c.Value.ToBig()
}

// DeliverNext delivers one message: the head of the first path, in the
// order paths were first used, whose head can be delivered, or else the
// oldest compose message that can be executed. A message that fails stays
// where it is. It reports whether anything was attempted; the error joins
// every failure and is non-nil only when nothing was delivered.
func (n *Network) DeliverNext() (bool, error) {
	n.mu.Lock()
	heads := make([]Packet, 0, len(n.paths))
	for _, id := range n.paths {
		if queue := n.packets[id]; len(queue) > 0 {
			heads = append(heads, queue[0])
		}
	}
	composes := append([]ComposeMessage(nil), n.composes...)
	n.mu.Unlock()

	var errs []error
	for _, p := range heads {
		if err := n.deliverPacket(p); err != nil {
			errs = append(errs, err)
			continue
		}
		n.popPacket(p)
		return true, nil
	}
	for _, m := range composes {
		if err := n.deliverCompose(m); err != nil {
			errs = append(errs, err)
			continue
		}
		n.removeCompose(m)
		return true, nil
	}
	return len(errs) > 0, errors.Join(errs...)
}

func (n *Network) popPacket(p Packet) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := p.path()
	queue := n.packets[id]
	if len(queue) == 0 || queue[0].GUID != p.GUID {
		return
	}
	if len(queue) == 1 {
		delete(n.packets, id)
		for i := range n.paths {
			if n.paths[i] == id {
				n.paths = append(n.paths[:i], n.paths[i+1:]...)
				break
			}
		}
		return
	}
	n.packets[id] = queue[1:]
}

func (n *Network) removeCompose(m ComposeMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.composes {
		if n.composes[i].GUID == m.GUID && n.composes[i].Index == m.Index {
			n.composes = append(n.composes[:i], n.composes[i+1:]...)
			return
		}
	}
}

// Flush delivers until nothing is queued or every queued message fails. The
// error joins the failures of the messages left queued.
func (n *Network) Flush() error {
	for {
		ok, err := n.DeliverNext()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// Replay delivers the packet identified by [guid] again.
func (n *Network) Replay(guid common.Hash) error {
	n.mu.Lock()
	p, ok := n.sent[guid]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPacketNotFound, guid.Hex())
	}
	return n.deliverPacket(p)
}

// ReplayCompose executes the compose message queued under [guid] and
// [index] again. The executor attaches the compose value again.
func (n *Network) ReplayCompose(guid common.Hash, index uint16) error {
	n.mu.Lock()
	m, ok := n.queued[composeID{guid: guid, index: index}]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s/%d", ErrComposeNotFound, guid.Hex(), index)
	}
	return n.deliverCompose(m)
}

func (n *Network) deliverPacket(p Packet) error {
	e, ok := n.Endpoint(p.DstEid)
	if !ok {
		metrics.RecordPacket(metrics.StatusFailed)
		return fmt.Errorf("%w: %d", ErrUnknownEndpoint, p.DstEid)
	}
	err := e.deliver(n.Executor(p.DstEid), p)
	switch {
	case errors.Is(err, ErrDuplicatePacket):
		metrics.RecordPacket(metrics.StatusDuplicate)
		n.log.Warn("dropped duplicate packet",
			"guid", p.GUID,
			"srcEid", p.SrcEid,
			"nonce", p.Nonce,
		)
		return nil
	case err != nil:
		metrics.RecordPacket(metrics.StatusFailed)
		n.log.Warn("packet delivery failed",
			"guid", p.GUID,
			"srcEid", p.SrcEid,
			"dstEid", p.DstEid,
			"nonce", p.Nonce,
			"err", err,
		)
		return err
	}
	metrics.RecordPacket(metrics.StatusDelivered)
	n.log.Info("delivered packet",
		"guid", p.GUID,
		"srcEid", p.SrcEid,
		"dstEid", p.DstEid,
		"nonce", p.Nonce,
	)
	return nil
}

func (n *Network) deliverCompose(m ComposeMessage) error {
	e, ok := n.Endpoint(m.Eid)
	if !ok {
		metrics.RecordCompose(metrics.StatusFailed)
		return fmt.Errorf("%w: %d", ErrUnknownEndpoint, m.Eid)
	}
	if err := e.deliverCompose(n.Executor(m.Eid), m); err != nil {
		metrics.RecordCompose(metrics.StatusFailed)
		n.log.Warn("compose delivery failed",
			"guid", m.GUID,
			"index", m.Index,
			"to", m.To,
			"err", err,
		)
		return err
	}
	metrics.RecordCompose(metrics.StatusDelivered)
	n.log.Info("delivered compose",
		"guid", m.GUID,
		"index", m.Index,
		"to", m.To,
	)
	return nil
}
