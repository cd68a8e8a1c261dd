package dispatch

import "errors"

// NodeKind distinguishes the two kinds of remote nodes.
type NodeKind int

const (
	FrontendNode NodeKind = iota
	BackendNode
)

func (k NodeKind) String() string {
	switch k {
	case FrontendNode:
		return "frontend"
	case BackendNode:
		return "backend"
	default:
		return "unknown"
	}
}

// Status is the control-plane status enumeration shared by all replies.
type Status int

const (
	StatusOK Status = iota
	StatusModelNotFound
	StatusBackendUnavailable
	StatusFrontendIDConflict
	StatusBackendIDConflict
	StatusInvalidLoadModel
	StatusNotRegistered
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusModelNotFound:
		return "model_not_found"
	case StatusBackendUnavailable:
		return "backend_unavailable"
	case StatusFrontendIDConflict:
		return "frontend_id_conflict"
	case StatusBackendIDConflict:
		return "backend_id_conflict"
	case StatusInvalidLoadModel:
		return "invalid_load_model"
	case StatusNotRegistered:
		return "not_registered"
	default:
		return "unknown"
	}
}

// Sentinel errors. ModelRoute.GetBackend returns ErrNoBackend; no code path
// returns the others, since dispatcher operations report their outcome as a
// Status.
var (
	ErrNodeIDConflict     = errors.New("node id conflict")
	ErrModelNotFound      = errors.New("model not found")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrProfileMissing     = errors.New("no profile for model on gpu")
	ErrNoBackend          = errors.New("route has no backend")
	ErrNotRegistered      = errors.New("node not registered")
)

// NodeID identifies a frontend or backend node.
type NodeID uint32

// GlobalID is the dispatcher-minted monotonic query id.
type GlobalID uint64

// PlanID identifies a batch plan.
type PlanID uint64

// BackendInfo is the routable description of a backend pushed to frontends.
type BackendInfo struct {
	NodeID     NodeID
	IP         string
	ServerPort uint16
	RPCPort    uint16
}

// QueryMeta is the query without its input payload: everything the
// dispatcher needs to route it. The payload travels frontend → backend
// directly; the dispatcher only sees the descriptor.
type QueryMeta struct {
	GlobalID       GlobalID
	ModelSessionID string
	Clock          PunchClock
	PayloadRef     string
}

// DispatchRequest is the datagram RPC from a frontend.
type DispatchRequest struct {
	ModelSession ModelSession
	QueryID      uint64
	UDPRPCPort   uint16
	Query        QueryMeta
}

// DispatchReply acknowledges a DispatchRequest. It reports routing status
// only; execution results flow back over a separate frontend path.
type DispatchReply struct {
	Status       Status
	ModelSession ModelSession
	QueryID      uint64
}

// BatchPlan is the unit of work handed to a backend: queries plus an
// execution time and a deadline.
type BatchPlan struct {
	PlanID               PlanID
	ModelSessionID       string
	Queries              []QueryMeta
	ExecTimeNS           int64
	DeadlineNS           int64
	ExpectedFinishTimeNS int64
}

// BatchSize returns the number of queries in the plan.
func (p *BatchPlan) BatchSize() uint32 { return uint32(len(p.Queries)) }

// RegisterRequest is the stream RPC a node sends on startup.
type RegisterRequest struct {
	NodeKind           NodeKind
	NodeID             NodeID
	ServerPort         uint16
	RPCPort            uint16
	GPUDevice          string
	GPUUUID            string
	GPUAvailableMemory uint64
}

type RegisterReply struct {
	Status            Status
	BeaconIntervalSec uint32
}

type UnregisterRequest struct {
	NodeKind NodeKind
	NodeID   NodeID
}

type KeepAliveRequest struct {
	NodeKind NodeKind
	NodeID   NodeID
}

// LoadModelRequest asks the dispatcher to make a model session routable.
type LoadModelRequest struct {
	NodeID           NodeID
	ModelSession     ModelSession
	EstimateWorkload float64
}

type LoadModelReply struct {
	Status Status
	Route  ModelRouteSnapshot
}

// BackendRate is one (backend, throughput) entry of a model route.
type BackendRate struct {
	Info       BackendInfo
	Throughput float64
}

// ModelRouteSnapshot is the wire form of a DRR route.
type ModelRouteSnapshot struct {
	ModelSessionID string
	Backends       []BackendRate
}

// Messages pushed from the dispatcher to nodes. Each delegate's outbound
// channel carries these; the concrete encoding lives behind WireCodec.

// BackendListUpdate tells a frontend the full or incremental backend set.
type BackendListUpdate struct {
	Backends []BackendInfo
}

// ModelRouteUpdate pushes refreshed routes for the sessions a frontend
// subscribes to.
type ModelRouteUpdate struct {
	Routes []ModelRouteSnapshot
}

// LoadModelCommand tells a backend to load a model session.
type LoadModelCommand struct {
	ModelSession ModelSession
	MaxBatch     uint32
}

// ModelTableUpdate tells a backend its full set of (session, rate)
// assignments after an epoch pass.
type ModelTableUpdate struct {
	Entries []ModelTableEntry
}

type ModelTableEntry struct {
	ModelSessionID string
	Rate           float64
	MaxBatch       uint32
}

// WireCodec abstracts the external message encoding. The dispatcher core
// never touches bytes except through this interface.
type WireCodec interface {
	DecodeDispatchRequest(frame []byte) (*DispatchRequest, error)
	EncodeDispatchReply(reply *DispatchReply) ([]byte, error)
}

// MessageSink is the outbound half of a node connection. Implementations
// must not block for longer than a socket write; the delegate's sender
// goroutine is the only caller.
type MessageSink interface {
	Send(msg any) error
}
