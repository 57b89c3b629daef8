// Package fabric implements the multicast packet-streaming fabric.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package fabric

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/camstream/cmn/cos"
	"github.com/NVIDIA/camstream/cmn/debug"
	"github.com/NVIDIA/camstream/cmn/nlog"
)

// PacketHandle is the stream-wide opaque identifier of a packet; identical
// at every endpoint (cookies are endpoint-local).
type PacketHandle uint64

const handleInvalid PacketHandle = 0

type (
	// per-branch runtime state of one packet
	branchState int

	endpoint struct {
		blk   *Block
		queue *Block // consumer branch queue; nil for the producer

		phases      [setupNumPhases]bool
		elems       []ElemAttr
		waiterAttrs map[int]*SyncAttrs // elem index -> exported waiter attrs
		signalObjs  map[int]*SyncObj   // elem index -> exported signal obj

		pendingNew []PacketHandle // packets announced, not yet fetched
		cookies    []Cookie       // per packet index
		statusErr  []error        // per packet index
		statused   []bool

		// consumer branch runtime
		fifo    []PacketHandle
		mailbox PacketHandle
		state   []branchState // per packet index

		notifiedComplete bool
	}

	packet struct {
		handle       PacketHandle
		bufs         []*Buffer
		complete     bool
		withProducer bool
		prodFences   []Fence
		consFences   [][]Fence // per consumer per element
	}

	stream struct {
		mu    sync.Mutex
		pool  *Block
		prod  *endpoint
		cons  []*endpoint
		mcast *Block

		blocks []*Block // every block in the graph, for broadcasts

		maxPackets int
		numElem    int // len(reconciled) once exported

		reconciled []ElemAttr
		poolPhases [setupNumPhases]bool

		packets   []*packet
		prodReady []Cookie

		setupDone bool
		dead      bool
	}
)

const (
	branchIdle branchState = iota
	branchQueued
	branchAcquired
)

//
// assembly
//

func tryAssemble(from *Block) error {
	root := from
	for root.up != nil {
		root = root.up
	}
	switch root.typ {
	case BlockProducer:
		return assembleProducerStream(root)
	case BlockIpcDst:
		return assembleDstStream(root)
	default:
		return nil // partial graph; nothing to do yet
	}
}

func assembleProducerStream(prod *Block) error {
	if len(prod.down) != 1 {
		return nil
	}
	var (
		consBlks []*Block
		mcast    *Block
	)
	switch next := prod.down[0]; next.typ {
	case BlockMulticast:
		mcast = next
		if len(next.down) != next.fanout {
			return nil // not all outputs connected yet
		}
		consBlks = next.down
	case BlockConsumer, BlockIpcSrc:
		consBlks = prod.down
	default:
		return fmt.Errorf("%s: invalid downstream %s", prod, next)
	}
	for _, cb := range consBlks {
		if cb.typ == BlockIpcSrc && (cb.bridge == nil || !cb.bridge.ready()) {
			return nil // remote end not yet attached
		}
	}
	debug.Assert(prod.pool != nil)
	s := newStream(prod, prod.pool, mcast, consBlks)
	s.connectAll()
	return nil
}

func assembleDstStream(dst *Block) error {
	if len(dst.down) != 1 || dst.bridge == nil || !dst.bridge.ready() {
		return nil
	}
	cb := dst.down[0]
	if cb.typ != BlockConsumer {
		return fmt.Errorf("%s: invalid downstream %s", dst, cb)
	}
	// the dst bridge stands in for both pool and producer
	pool := NewStaticPool(MaxPackets)
	s := newStream(dst, pool, nil, []*Block{cb})
	s.connectAll()
	dst.bridge.attach(s)
	return nil
}

func newStream(prodBlk, pool, mcast *Block, consBlks []*Block) *stream {
	s := &stream{
		pool:       pool,
		mcast:      mcast,
		maxPackets: pool.maxPackets,
		prod:       &endpoint{blk: prodBlk, waiterAttrs: make(map[int]*SyncAttrs), signalObjs: make(map[int]*SyncObj)},
	}
	s.blocks = append(s.blocks, prodBlk, pool)
	if mcast != nil {
		s.blocks = append(s.blocks, mcast)
	}
	for _, cb := range consBlks {
		ep := &endpoint{blk: cb, queue: cb.queue, waiterAttrs: make(map[int]*SyncAttrs), signalObjs: make(map[int]*SyncObj)}
		s.cons = append(s.cons, ep)
		s.blocks = append(s.blocks, cb)
		if cb.queue != nil {
			s.blocks = append(s.blocks, cb.queue)
		}
	}
	return s
}

func (s *stream) connectAll() {
	for _, b := range s.blocks {
		b.mu.Lock()
		b.strm = s
		b.mu.Unlock()
	}
	for _, b := range s.blocks {
		b.post(EventConnected)
	}
	nlog.Infof("stream connected: %s => %d consumer%s", s.prod.blk, len(s.cons), cos.Plural(len(s.cons)))
}

//
// endpoint resolution
//

func (s *stream) endpointOf(b *Block) (ep *endpoint, consIdx int, err error) {
	if b == s.prod.blk {
		return s.prod, -1, nil
	}
	for i, c := range s.cons {
		if c.blk == b {
			return c, i, nil
		}
	}
	return nil, 0, ErrBadBlockOp
}

func (s *stream) pktByHandle(h PacketHandle) (*packet, error) {
	i := int(h) - 1
	if i < 0 || i >= len(s.packets) {
		return nil, ErrNoPacket
	}
	return s.packets[i], nil
}

//
// setup: element export/import
//

// ConsumerCountGet reports the number of consumer endpoints reachable from
// this block (valid on pool and producer).
func (b *Block) ConsumerCountGet() (int, error) {
	s, err := b.stream()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cons), nil
}

// ElementAttrSet exports one element's buffer requirements. On endpoints it
// declares the endpoint's needs; on the pool it publishes the reconciled
// attributes.
func (b *Block) ElementAttrSet(userName uint32, attrs *BufAttrs) error {
	s, err := b.stream()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return ErrDisconnected
	}
	ea := ElemAttr{UserName: userName, Attrs: *attrs}
	if b == s.pool {
		s.reconciled = append(s.reconciled, ea)
		return nil
	}
	ep, _, err := s.endpointOf(b)
	if err != nil {
		return err
	}
	if len(ep.elems) >= MaxElements {
		return ErrOverflow
	}
	ep.elems = append(ep.elems, ea)
	return nil
}

// ElementCountGet returns the number of elements exported by the given
// side; any block of the stream may ask.
func (b *Block) ElementCountGet(peer PeerType) (int, error) {
	s, err := b.stream()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch peer {
	case PeerProducer:
		return len(s.prod.elems), nil
	case PeerConsumer:
		elems, err := s.mergedConsElems()
		if err != nil {
			return 0, err
		}
		return len(elems), nil
	case PeerPool:
		return len(s.reconciled), nil
	}
	return 0, ErrBadBlockOp
}

// ElementAttrGet returns element i as exported by the given side.
func (b *Block) ElementAttrGet(peer PeerType, i int) (uint32, *BufAttrs, error) {
	s, err := b.stream()
	if err != nil {
		return 0, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var elems []ElemAttr
	switch peer {
	case PeerProducer:
		elems = s.prod.elems
	case PeerConsumer:
		if elems, err = s.mergedConsElems(); err != nil {
			return 0, nil, err
		}
	case PeerPool:
		elems = s.reconciled
	}
	if i < 0 || i >= len(elems) {
		return 0, nil, fmt.Errorf("element index %d out of range [0, %d)", i, len(elems))
	}
	attrs := elems[i].Attrs
	return elems[i].UserName, &attrs, nil
}

// mergedConsElems is the union over all consumers' exported elements,
// reconciling same-name attributes pairwise (caller holds s.mu).
func (s *stream) mergedConsElems() ([]ElemAttr, error) {
	var merged []ElemAttr
	for _, c := range s.cons {
		for _, ea := range c.elems {
			found := false
			for j := range merged {
				if merged[j].UserName == ea.UserName {
					r, err := ReconcileBufAttrs(&merged[j].Attrs, &ea.Attrs)
					if re, ok := err.(*ErrReconcile); ok && re.What == "size" {
						// consumers may leave the size to the producer: merge
						// the rest and keep the size open for the pool's reconcile
						sized := ea.Attrs
						sized.Size = 1
						if r, err = ReconcileBufAttrs(&merged[j].Attrs, &sized); err == nil {
							r.Size = 0
						}
					}
					if err != nil {
						return nil, err
					}
					merged[j].Attrs = *r
					found = true
					break
				}
			}
			if !found {
				merged = append(merged, ea)
			}
		}
	}
	return merged, nil
}

// SetupStatusSet marks a setup phase done for this block and fires the
// dependent events.
func (b *Block) SetupStatusSet(phase SetupPhase, done bool) error {
	s, err := b.stream()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return ErrDisconnected
	}
	if b == s.pool {
		s.poolPhases[phase] = done
		switch phase {
		case SetupElementExport:
			s.numElem = len(s.reconciled)
			s.prod.blk.post(EventElements)
			for _, c := range s.cons {
				c.blk.post(EventElements)
			}
		case SetupPacketExport:
			s.checkPacketsComplete()
		}
		s.checkSetupComplete()
		return nil
	}
	ep, _, err := s.endpointOf(b)
	if err != nil {
		return err
	}
	ep.phases[phase] = done
	switch phase {
	case SetupElementExport:
		if s.allEndpointsDone(SetupElementExport) {
			s.pool.post(EventElements)
		} else if ep != s.prod && s.prod.blk.typ == BlockIpcDst &&
			s.allConsDone(SetupElementExport) && !s.prod.phases[SetupElementExport] {
			// the dst bridge forwards the consumer elements upstream before
			// it can export its own (producer-proxy) side
			s.prod.blk.post(EventElements)
		}
	case SetupWaiterAttrExport:
		if ep == s.prod {
			for _, c := range s.cons {
				c.blk.post(EventWaiterAttr)
			}
		} else if s.allConsDone(SetupWaiterAttrExport) {
			s.prod.blk.post(EventWaiterAttr)
		}
	case SetupSignalObjExport:
		if ep == s.prod {
			for _, c := range s.cons {
				c.blk.post(EventSignalObj)
			}
		} else if s.allConsDone(SetupSignalObjExport) {
			s.prod.blk.post(EventSignalObj)
		}
	}
	s.checkSetupComplete()
	return nil
}

func (s *stream) allEndpointsDone(phase SetupPhase) bool {
	if !s.prod.phases[phase] {
		return false
	}
	return s.allConsDone(phase)
}

func (s *stream) allConsDone(phase SetupPhase) bool {
	for _, c := range s.cons {
		if !c.phases[phase] {
			return false
		}
	}
	return true
}

//
// setup: sync objects
//

// ElementWaiterAttrSet exports this endpoint's waiter requirements for one
// element.
func (b *Block) ElementWaiterAttrSet(elem int, attrs *SyncAttrs) error {
	s, err := b.stream()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, _, err := s.endpointOf(b)
	if err != nil {
		return err
	}
	a := *attrs
	ep.waiterAttrs[elem] = &a
	return nil
}

// ElementWaiterAttrGet returns the attrs of the endpoints that will wait on
// this endpoint's signals: the producer sees the merged consumer waiter
// attrs, a consumer sees the producer's.
func (b *Block) ElementWaiterAttrGet(elem int) (*SyncAttrs, error) {
	s, err := b.stream()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, _, err := s.endpointOf(b)
	if err != nil {
		return nil, err
	}
	if ep == s.prod {
		lists := make([]*SyncAttrs, 0, len(s.cons))
		for _, c := range s.cons {
			lists = append(lists, c.waiterAttrs[elem])
		}
		return ReconcileSyncAttrs(lists...)
	}
	return s.prod.waiterAttrs[elem], nil
}

// ElementSignalObjSet exports the allocated signal object this endpoint
// will use for the element.
func (b *Block) ElementSignalObjSet(elem int, obj *SyncObj) error {
	s, err := b.stream()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, _, err := s.endpointOf(b)
	if err != nil {
		return err
	}
	ep.signalObjs[elem] = obj
	return nil
}

// ElementSignalObjGet imports the signal object of an upstream/downstream
// peer: a consumer queries index 0 for the producer's object; the producer
// queries index i for consumer i's.
func (b *Block) ElementSignalObjGet(queryIdx, elem int) (*SyncObj, error) {
	s, err := b.stream()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, _, err := s.endpointOf(b)
	if err != nil {
		return nil, err
	}
	if ep == s.prod {
		if queryIdx < 0 || queryIdx >= len(s.cons) {
			return nil, fmt.Errorf("consumer index %d out of range", queryIdx)
		}
		return s.cons[queryIdx].signalObjs[elem], nil
	}
	if queryIdx != 0 {
		return nil, fmt.Errorf("producer query index must be 0, got %d", queryIdx)
	}
	return s.prod.signalObjs[elem], nil
}

//
// setup: packets
//

// PoolPacketCreate allocates a new packet slot (pool only).
func (b *Block) PoolPacketCreate(cookie Cookie) (PacketHandle, error) {
	s, err := b.stream()
	if err != nil {
		return handleInvalid, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b != s.pool {
		return handleInvalid, ErrBadBlockOp
	}
	if len(s.packets) >= s.maxPackets {
		return handleInvalid, ErrOverflow
	}
	_ = cookie // the pool's own cookie is not used beyond creation
	p := &packet{
		handle:     PacketHandle(len(s.packets) + 1),
		bufs:       make([]*Buffer, s.numElem),
		prodFences: make([]Fence, s.numElem),
		consFences: make([][]Fence, len(s.cons)),
	}
	for i := range p.consFences {
		p.consFences[i] = make([]Fence, s.numElem)
	}
	s.packets = append(s.packets, p)
	return p.handle, nil
}

// PoolPacketInsertBuffer inserts an allocated buffer into a packet element
// slot. The stream owns propagation; the pool should not retain the buffer.
func (b *Block) PoolPacketInsertBuffer(h PacketHandle, elem int, buf *Buffer) error {
	s, err := b.stream()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b != s.pool {
		return ErrBadBlockOp
	}
	p, err := s.pktByHandle(h)
	if err != nil {
		return err
	}
	if elem < 0 || elem >= len(p.bufs) {
		return fmt.Errorf("element index %d out of range", elem)
	}
	p.bufs[elem] = buf.Dup()
	return nil
}

// PoolPacketComplete finishes a packet definition and announces it to all
// endpoints.
func (b *Block) PoolPacketComplete(h PacketHandle) error {
	s, err := b.stream()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b != s.pool {
		return ErrBadBlockOp
	}
	p, err := s.pktByHandle(h)
	if err != nil {
		return err
	}
	for i, buf := range p.bufs {
		if buf == nil {
			return fmt.Errorf("packet %d: element %d has no buffer", int(h)-1, i)
		}
	}
	p.complete = true
	for _, ep := range s.allEndpoints() {
		ep.pendingNew = append(ep.pendingNew, h)
		ep.blk.post(EventPacketCreate)
	}
	return nil
}

func (s *stream) allEndpoints() []*endpoint {
	eps := make([]*endpoint, 0, len(s.cons)+1)
	eps = append(eps, s.prod)
	eps = append(eps, s.cons...)
	return eps
}

// PacketNewHandleGet retrieves the handle of the packet pending creation at
// this endpoint.
func (b *Block) PacketNewHandleGet() (PacketHandle, error) {
	s, err := b.stream()
	if err != nil {
		return handleInvalid, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, _, err := s.endpointOf(b)
	if err != nil {
		return handleInvalid, err
	}
	if len(ep.pendingNew) == 0 {
		return handleInvalid, ErrNoPacket
	}
	h := ep.pendingNew[0]
	ep.pendingNew = ep.pendingNew[1:]
	return h, nil
}

// PacketBufferGet duplicates the buffer of one element of a packet into the
// caller's hands.
func (b *Block) PacketBufferGet(h PacketHandle, elem int) (*Buffer, error) {
	s, err := b.stream()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.pktByHandle(h)
	if err != nil {
		return nil, err
	}
	if elem < 0 || elem >= len(p.bufs) {
		return nil, fmt.Errorf("element index %d out of range", elem)
	}
	return p.bufs[elem].Dup(), nil
}

// PacketStatusSet reports this endpoint's acceptance of a packet along with
// the endpoint-local cookie.
func (b *Block) PacketStatusSet(h PacketHandle, cookie Cookie, stErr error) error {
	s, err := b.stream()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, _, err := s.endpointOf(b)
	if err != nil {
		return err
	}
	p, err := s.pktByHandle(h)
	if err != nil {
		return err
	}
	idx := int(p.handle) - 1
	ep.ensurePacketSlots(s.maxPackets)
	if ep.statused[idx] {
		return fmt.Errorf("packet %d: status already set", idx)
	}
	ep.statused[idx] = true
	ep.statusErr[idx] = stErr
	ep.cookies[idx] = cookie
	if s.allStatused(idx) {
		s.pool.post(EventPacketStatus)
	}
	s.checkPacketsComplete()
	return nil
}

func (ep *endpoint) ensurePacketSlots(n int) {
	if len(ep.cookies) == 0 {
		ep.cookies = make([]Cookie, n)
		ep.statusErr = make([]error, n)
		ep.statused = make([]bool, n)
		ep.state = make([]branchState, n)
	}
}

func (s *stream) allStatused(idx int) bool {
	for _, ep := range s.allEndpoints() {
		if len(ep.statused) <= idx || !ep.statused[idx] {
			return false
		}
	}
	return true
}

// checkPacketsComplete posts PacketsComplete to every endpoint that has
// seen (and statused) all packets, once the pool finished exporting.
func (s *stream) checkPacketsComplete() {
	if !s.poolPhases[SetupPacketExport] {
		return
	}
	for _, ep := range s.allEndpoints() {
		if ep.phases[SetupPacketImport] {
			continue
		}
		done := len(s.packets) == s.maxPackets
		for i := 0; done && i < len(s.packets); i++ {
			if len(ep.statused) <= i || !ep.statused[i] {
				done = false
			}
		}
		if done && !ep.notifiedComplete {
			ep.notifiedComplete = true
			ep.blk.post(EventPacketsComplete)
		}
	}
}

// PoolPacketStatusAcceptGet reports whether every endpoint accepted the
// packet.
func (b *Block) PoolPacketStatusAcceptGet(h PacketHandle) (bool, error) {
	s, err := b.stream()
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b != s.pool {
		return false, ErrBadBlockOp
	}
	p, err := s.pktByHandle(h)
	if err != nil {
		return false, err
	}
	idx := int(p.handle) - 1
	for _, ep := range s.allEndpoints() {
		if len(ep.statusErr) <= idx || ep.statusErr[idx] != nil {
			return false, nil
		}
	}
	return true, nil
}

// PoolPacketStatusValueGet returns one endpoint's recorded status for the
// packet.
func (b *Block) PoolPacketStatusValueGet(h PacketHandle, peer PeerType, idx int) (error, error) {
	s, err := b.stream()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b != s.pool {
		return nil, ErrBadBlockOp
	}
	p, err := s.pktByHandle(h)
	if err != nil {
		return nil, err
	}
	pi := int(p.handle) - 1
	var ep *endpoint
	switch peer {
	case PeerProducer:
		ep = s.prod
	case PeerConsumer:
		if idx < 0 || idx >= len(s.cons) {
			return nil, fmt.Errorf("consumer index %d out of range", idx)
		}
		ep = s.cons[idx]
	default:
		return nil, ErrBadBlockOp
	}
	if len(ep.statusErr) <= pi {
		return nil, fmt.Errorf("packet %d: no status recorded", pi)
	}
	return ep.statusErr[pi], nil
}

//
// setup completion
//

func (s *stream) checkSetupComplete() {
	if s.setupDone || s.dead {
		return
	}
	if !s.poolPhases[SetupPacketExport] || !s.poolPhases[SetupPacketImport] {
		return
	}
	for _, ep := range s.allEndpoints() {
		if !ep.phases[SetupPacketImport] ||
			!ep.phases[SetupSignalObjExport] || !ep.phases[SetupSignalObjImport] {
			return
		}
	}
	s.setupDone = true
	s.pool.post(EventSetupComplete)
	for _, ep := range s.allEndpoints() {
		ep.blk.post(EventSetupComplete)
	}
	// all packets start with the producer; on the dst side of an IPC
	// bridge the REMOTE producer holds them, so no ownership events fire
	// locally
	for i, p := range s.packets {
		p.withProducer = true
		if s.prod.blk.typ != BlockIpcDst {
			s.prodReady = append(s.prodReady, s.prod.cookies[i])
			s.prod.blk.post(EventPacketReady)
		}
	}
	nlog.Infof("stream setup complete: %d packets x %d elements, %d consumer%s",
		len(s.packets), s.numElem, len(s.cons), cos.Plural(len(s.cons)))
}

//
// runtime
//

// ProducerPacketGet obtains ownership of the next returned packet
// (producer only).
func (b *Block) ProducerPacketGet() (Cookie, error) {
	s, err := b.stream()
	if err != nil {
		return CookieInvalid, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return CookieInvalid, ErrDisconnected
	}
	ep, _, err := s.endpointOf(b)
	if err != nil || ep != s.prod {
		return CookieInvalid, ErrBadBlockOp
	}
	if len(s.prodReady) == 0 {
		return CookieInvalid, ErrNoPacket
	}
	c := s.prodReady[0]
	s.prodReady = s.prodReady[1:]
	return c, nil
}

// PacketFenceSet attaches a fence to a packet element prior to present (on
// the producer) or release (on a consumer).
func (b *Block) PacketFenceSet(h PacketHandle, elem int, f Fence) error {
	s, err := b.stream()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ci, err := s.endpointOf(b)
	if err != nil {
		return err
	}
	p, err := s.pktByHandle(h)
	if err != nil {
		return err
	}
	if elem < 0 || elem >= len(p.prodFences) {
		return fmt.Errorf("element index %d out of range", elem)
	}
	if ep == s.prod {
		p.prodFences[elem] = f
	} else {
		p.consFences[ci][elem] = f
	}
	return nil
}

// PacketFenceGet retrieves a peer's fence for a packet element: consumers
// pass queryIdx 0 for the producer's fence, the producer passes the
// consumer index.
func (b *Block) PacketFenceGet(h PacketHandle, queryIdx, elem int) (Fence, error) {
	s, err := b.stream()
	if err != nil {
		return Fence{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, _, err := s.endpointOf(b)
	if err != nil {
		return Fence{}, err
	}
	p, err := s.pktByHandle(h)
	if err != nil {
		return Fence{}, err
	}
	if elem < 0 || elem >= len(p.prodFences) {
		return Fence{}, fmt.Errorf("element index %d out of range", elem)
	}
	if ep == s.prod {
		if queryIdx < 0 || queryIdx >= len(s.cons) {
			return Fence{}, fmt.Errorf("consumer index %d out of range", queryIdx)
		}
		return p.consFences[queryIdx][elem], nil
	}
	return p.prodFences[elem], nil
}

// ProducerPacketPresent transfers the packet downstream, fanning it out to
// every consumer branch per that branch's queue discipline.
func (b *Block) ProducerPacketPresent(h PacketHandle) error {
	s, err := b.stream()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return ErrDisconnected
	}
	ep, _, err := s.endpointOf(b)
	if err != nil || ep != s.prod {
		return ErrBadBlockOp
	}
	p, err := s.pktByHandle(h)
	if err != nil {
		return err
	}
	if !p.withProducer {
		return fmt.Errorf("packet %d: not owned by producer", int(h)-1)
	}
	p.withProducer = false
	idx := int(p.handle) - 1
	for ci, c := range s.cons {
		c.ensurePacketSlots(s.maxPackets)
		disc := QueueFifo
		if c.queue != nil {
			disc = c.queue.qdisc
		}
		if disc == QueueMailbox {
			if c.mailbox != handleInvalid {
				// mailbox full: drop the stale packet, branch is done with it
				s.branchDone(ci, c.mailbox, true /*dropped*/)
				c.mailbox = h
				c.state[idx] = branchQueued
				// consumer was already notified for the occupied slot
				continue
			}
			c.mailbox = h
			c.state[idx] = branchQueued
			c.blk.post(EventPacketReady)
		} else {
			c.fifo = append(c.fifo, h)
			c.state[idx] = branchQueued
			c.blk.post(EventPacketReady)
		}
	}
	return nil
}

// branchDone marks consumer branch ci finished with packet h; when the last
// branch is done the packet returns to the producer (caller holds s.mu).
func (s *stream) branchDone(ci int, h PacketHandle, dropped bool) {
	p := s.packets[int(h)-1]
	idx := int(h) - 1
	c := s.cons[ci]
	c.state[idx] = branchIdle
	if dropped {
		for e := range p.consFences[ci] {
			p.consFences[ci][e] = Fence{}
		}
	}
	for _, cc := range s.cons {
		if len(cc.state) > idx && cc.state[idx] != branchIdle {
			return
		}
	}
	if p.withProducer {
		return
	}
	p.withProducer = true
	s.prodReady = append(s.prodReady, s.prod.cookies[idx])
	s.prod.blk.post(EventPacketReady)
}

// ConsumerPacketAcquire obtains the next pending packet at this consumer.
func (b *Block) ConsumerPacketAcquire() (Cookie, error) {
	s, err := b.stream()
	if err != nil {
		return CookieInvalid, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return CookieInvalid, ErrDisconnected
	}
	ep, _, err := s.endpointOf(b)
	if err != nil || ep == s.prod {
		return CookieInvalid, ErrBadBlockOp
	}
	var h PacketHandle
	disc := QueueFifo
	if ep.queue != nil {
		disc = ep.queue.qdisc
	}
	if disc == QueueMailbox {
		if ep.mailbox == handleInvalid {
			return CookieInvalid, ErrNoPacket
		}
		h, ep.mailbox = ep.mailbox, handleInvalid
	} else {
		if len(ep.fifo) == 0 {
			return CookieInvalid, ErrNoPacket
		}
		h, ep.fifo = ep.fifo[0], ep.fifo[1:]
	}
	idx := int(h) - 1
	ep.state[idx] = branchAcquired
	return ep.cookies[idx], nil
}

// ConsumerPacketRelease returns the packet toward the producer with any
// fences previously attached via PacketFenceSet.
func (b *Block) ConsumerPacketRelease(h PacketHandle) error {
	s, err := b.stream()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return ErrDisconnected
	}
	ep, ci, err := s.endpointOf(b)
	if err != nil || ep == s.prod {
		return ErrBadBlockOp
	}
	p, err := s.pktByHandle(h)
	if err != nil {
		return err
	}
	idx := int(p.handle) - 1
	if len(ep.state) <= idx || ep.state[idx] != branchAcquired {
		return fmt.Errorf("packet %d: not acquired by %s", idx, b)
	}
	s.branchDone(ci, h, false)
	return nil
}

//
// teardown
//

func (s *stream) disconnect(origin *Block) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	blocks := s.blocks
	pkts := s.packets
	s.mu.Unlock()
	for _, b := range blocks {
		if b != origin {
			b.post(EventDisconnected)
		}
	}
	for _, p := range pkts {
		for _, buf := range p.bufs {
			buf.Free()
		}
	}
	nlog.Infof("stream disconnected (origin: %s)", origin)
}

// fail marks the stream broken; every block observes an Error event.
func (s *stream) fail(origin *Block, err error) {
	s.mu.Lock()
	dead := s.dead
	s.dead = true
	blocks := s.blocks
	s.mu.Unlock()
	if dead {
		return
	}
	for _, b := range blocks {
		if b != origin {
			b.postErr(err)
		}
	}
	nlog.Errorf("stream failed (origin: %s): %v", origin, err)
}
