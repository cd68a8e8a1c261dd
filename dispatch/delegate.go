package dispatch

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// outboundDepth bounds each delegate's outbound channel. A slow or dead peer
// costs dropped control messages, never a blocked dispatcher thread.
const outboundDepth = 256

// delegate is the in-memory handle shared by both node kinds: the outbound
// message channel with its sender goroutine, and the keep-alive tick.
// Delegates are shared between the dispatcher tables and sender goroutines;
// the dispatcher's state mutex guards lastTick, the channel is safe as-is.
type delegate struct {
	nodeID     NodeID
	ip         string
	serverPort uint16
	rpcPort    uint16

	sink     MessageSink
	outbound chan any
	done     chan struct{}
	closeMu  sync.Mutex
	closed   bool

	lastTickNS int64
}

func newDelegate(nodeID NodeID, ip string, serverPort, rpcPort uint16, sink MessageSink, nowNS int64) *delegate {
	d := &delegate{
		nodeID:     nodeID,
		ip:         ip,
		serverPort: serverPort,
		rpcPort:    rpcPort,
		sink:       sink,
		outbound:   make(chan any, outboundDepth),
		done:       make(chan struct{}),
		lastTickNS: nowNS,
	}
	go d.sendLoop()
	return d
}

// sendLoop drains the outbound channel into the sink. Network state is the
// transport's problem; a send error here is observed and the loop moves on.
func (d *delegate) sendLoop() {
	for {
		select {
		case msg := <-d.outbound:
			if err := d.sink.Send(msg); err != nil {
				logrus.Warnf("send to node %d failed: %v", d.nodeID, err)
			}
		case <-d.done:
			return
		}
	}
}

// enqueue hands a message to the sender goroutine without blocking. Full
// channel means the peer is not keeping up; the message is dropped.
func (d *delegate) enqueue(msg any) {
	select {
	case d.outbound <- msg:
	default:
		logrus.Warnf("outbound queue full for node %d, dropping %T", d.nodeID, msg)
	}
}

func (d *delegate) close() {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
}

// Tick refreshes the keep-alive timestamp. Caller holds the state mutex.
func (d *delegate) Tick(nowNS int64) { d.lastTickNS = nowNS }

// LastTick returns the last keep-alive timestamp. Caller holds the state
// mutex.
func (d *delegate) LastTick() int64 { return d.lastTickNS }

// NodeID returns the delegate's node id.
func (d *delegate) NodeID() NodeID { return d.nodeID }

// FrontendDelegate is the handle for a registered frontend.
type FrontendDelegate struct {
	*delegate
}

func NewFrontendDelegate(nodeID NodeID, ip string, serverPort, rpcPort uint16, sink MessageSink, nowNS int64) *FrontendDelegate {
	return &FrontendDelegate{delegate: newDelegate(nodeID, ip, serverPort, rpcPort, sink, nowNS)}
}

// UpdateBackendList pushes the backend set to the frontend.
func (f *FrontendDelegate) UpdateBackendList(update BackendListUpdate) {
	f.enqueue(update)
}

// UpdateModelRoutes pushes refreshed routes for subscribed sessions.
func (f *FrontendDelegate) UpdateModelRoutes(update ModelRouteUpdate) {
	f.enqueue(update)
}

// Close stops the sender goroutine.
func (f *FrontendDelegate) Close() { f.close() }

// BackendDelegate is the handle for a registered backend worker.
type BackendDelegate struct {
	*delegate
	gpuDevice          string
	gpuUUID            string
	gpuAvailableMemory uint64
}

func NewBackendDelegate(nodeID NodeID, ip string, serverPort, rpcPort uint16,
	gpuDevice, gpuUUID string, gpuAvailableMemory uint64, sink MessageSink, nowNS int64) *BackendDelegate {
	return &BackendDelegate{
		delegate:           newDelegate(nodeID, ip, serverPort, rpcPort, sink, nowNS),
		gpuDevice:          gpuDevice,
		gpuUUID:            gpuUUID,
		gpuAvailableMemory: gpuAvailableMemory,
	}
}

// GPUDevice returns the backend's GPU device name.
func (b *BackendDelegate) GPUDevice() string { return b.gpuDevice }

// GPUUUID returns the backend's GPU uuid.
func (b *BackendDelegate) GPUUUID() string { return b.gpuUUID }

// BackendInfo returns the routable description pushed to frontends.
func (b *BackendDelegate) BackendInfo() BackendInfo {
	return BackendInfo{
		NodeID:     b.nodeID,
		IP:         b.ip,
		ServerPort: b.serverPort,
		RPCPort:    b.rpcPort,
	}
}

// SendLoadModelCommand asks the backend to load a model session.
func (b *BackendDelegate) SendLoadModelCommand(session ModelSession, maxBatch uint32) {
	b.enqueue(LoadModelCommand{ModelSession: session, MaxBatch: maxBatch})
}

// EnqueueBatchPlan hands a batch plan to the backend.
func (b *BackendDelegate) EnqueueBatchPlan(plan *BatchPlan) {
	b.enqueue(plan)
}

// UpdateModelTable pushes the backend's full (session, rate) table after an
// epoch pass.
func (b *BackendDelegate) UpdateModelTable(update ModelTableUpdate) {
	b.enqueue(update)
}

// Close stops the sender goroutine.
func (b *BackendDelegate) Close() { b.close() }
