// Package message defines the wire envelope and type catalog shared by every
// hub, cluster-manager, and module process. The catalog mirrors the message
// set a Vistle session exchanges: identification and federation, spawn and
// lifecycle, execution scheduling, port and parameter changes, and the bulk
// object-transfer handshake.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of a message. Values are stable across a process
// lifetime and are transmitted on the wire — do not renumber.
type Type int

const (
	Invalid Type = iota
	Identify
	AddHub
	RemoveHub
	Ping
	Pong
	Spawn
	SpawnPrepared
	Started
	Kill
	Debug
	Quit
	ModuleExit
	Execute
	CancelExecute
	Busy
	Idle
	AddPort
	RemovePort
	AddObject
	AddObjectCompleted
	Connect
	Disconnect
	AddParameter
	RemoveParameter
	SetParameter
	SetParameterChoices
	Barrier
	BarrierReached
	SetID
	ReplayFinished
	SendText
	UpdateStatus
	ObjectReceivePolicy
	SchedulingPolicy
	ReducePolicy
	ExecutionProgress
	Trace
	ModuleAvailable
	LockUI
	RequestTunnel
	RequestObject
	SendObject
	FileQuery
	FileQueryResult
	DataTransferState
	CloseConnection
)

//go:generate stringer -type=Type

func (t Type) String() string {
	switch t {
	case Invalid:
		return "Invalid"
	case Identify:
		return "Identify"
	case AddHub:
		return "AddHub"
	case RemoveHub:
		return "RemoveHub"
	case Ping:
		return "Ping"
	case Pong:
		return "Pong"
	case Spawn:
		return "Spawn"
	case SpawnPrepared:
		return "SpawnPrepared"
	case Started:
		return "Started"
	case Kill:
		return "Kill"
	case Debug:
		return "Debug"
	case Quit:
		return "Quit"
	case ModuleExit:
		return "ModuleExit"
	case Execute:
		return "Execute"
	case CancelExecute:
		return "CancelExecute"
	case Busy:
		return "Busy"
	case Idle:
		return "Idle"
	case AddPort:
		return "AddPort"
	case RemovePort:
		return "RemovePort"
	case AddObject:
		return "AddObject"
	case AddObjectCompleted:
		return "AddObjectCompleted"
	case Connect:
		return "Connect"
	case Disconnect:
		return "Disconnect"
	case AddParameter:
		return "AddParameter"
	case RemoveParameter:
		return "RemoveParameter"
	case SetParameter:
		return "SetParameter"
	case SetParameterChoices:
		return "SetParameterChoices"
	case Barrier:
		return "Barrier"
	case BarrierReached:
		return "BarrierReached"
	case SetID:
		return "SetID"
	case ReplayFinished:
		return "ReplayFinished"
	case SendText:
		return "SendText"
	case UpdateStatus:
		return "UpdateStatus"
	case ObjectReceivePolicy:
		return "ObjectReceivePolicy"
	case SchedulingPolicy:
		return "SchedulingPolicy"
	case ReducePolicy:
		return "ReducePolicy"
	case ExecutionProgress:
		return "ExecutionProgress"
	case Trace:
		return "Trace"
	case ModuleAvailable:
		return "ModuleAvailable"
	case LockUI:
		return "LockUI"
	case RequestTunnel:
		return "RequestTunnel"
	case RequestObject:
		return "RequestObject"
	case SendObject:
		return "SendObject"
	case FileQuery:
		return "FileQuery"
	case FileQueryResult:
		return "FileQueryResult"
	case DataTransferState:
		return "DataTransferState"
	case CloseConnection:
		return "CloseConnection"
	default:
		return "Unknown"
	}
}

// Envelope is the fixed-layout header every wire message carries. The
// variable-length, type-specific payload follows the header and is decoded
// by the handler registered for Type.
type Envelope struct {
	UUID      uuid.UUID
	Type      Type
	SenderID  int // module/hub ID of the sender (the master hub is 1)
	SenderRank int
	DestID    int // 0 means "not addressed to a single module" (routed by type)
	Timestamp time.Time
	Payload   []byte // type-specific JSON body
}

// NewEnvelope builds an envelope with a fresh UUID and the current time,
// following the state tracker's convention that every tracked message
// carries a unique ID usable as a synchronous reply key.
func NewEnvelope(t Type, senderID, senderRank int, payload []byte) Envelope {
	return Envelope{
		UUID:       uuid.New(),
		Type:       t,
		SenderID:   senderID,
		SenderRank: senderRank,
		Timestamp:  time.Now(),
		Payload:    payload,
	}
}

// TextType classifies a SendText payload, matching the original
// Info/Warning/Error distinction used for UI display severity.
type TextType int

const (
	TextInfo TextType = iota
	TextWarning
	TextError
)

// ObjectReceivePolicyKind controls whether a module's ranks each fetch
// objects independently, only rank 0 fetches and the rest stay idle, or
// rank 0 fetches and redistributes to every rank.
type ObjectReceivePolicyKind int

const (
	PolicyLocal ObjectReceivePolicyKind = iota
	PolicyMaster
	PolicyDistribute
)

// SchedulingPolicyKind controls how a module's ranks are released to run
// compute for a given set of input objects.
type SchedulingPolicyKind int

const (
	SchedIgnore SchedulingPolicyKind = iota
	SchedSingle
	SchedGang
	SchedLazyGang
)

// ReducePolicyKind controls when/whether a module's Reduce() is invoked.
type ReducePolicyKind int

const (
	ReduceNever ReducePolicyKind = iota
	ReduceLocally
	ReducePerTimestep
	ReducePerTimestepOrdered
	ReducePerTimestepZeroFirst
	ReduceOverAll
)

// ExecutionProgressKind marks the Start/Finish edges of a module's
// execution, used by the cluster manager to record in the scheduler which
// ranks have started and finished.
type ExecutionProgressKind int

const (
	ProgressStart ExecutionProgressKind = iota
	ProgressFinish
)

// ExecuteWhat distinguishes the four reasons a module may be asked to run.
type ExecuteWhat int

const (
	ExecutePrepare ExecuteWhat = iota
	ExecuteComputeExecute
	ExecuteComputeObject
	ExecuteReduce
)
