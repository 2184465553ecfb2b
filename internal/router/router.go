// Package router holds the static, process-wide routing table that decides
// how each message type is forwarded once it reaches a hub or cluster
// manager: whether it is recorded by the state tracker, rebroadcast to every
// peer hub, forwarded to the owning module's manager, or handled locally and
// dropped. The table never changes after package load, matching the
// original design's constant routing table.
package router

import "github.com/vistle-go/vistle/internal/message"

// Flags describes how a single message type is routed. Each bit answers one
// of the routing questions a hub or cluster manager asks about a message it
// has just received.
type Flags struct {
	// Track records this message in the state tracker's replicated model so
	// that late-joining UIs or hubs can be caught up by replay.
	Track bool

	// Broadcast forwards this message to every other hub in the federation
	// (not just the one that produced it).
	Broadcast bool

	// Forward sends this message to the cluster manager owning the
	// message's sender/destination module, in addition to any local
	// handling.
	Forward bool

	// Lock indicates the message must be serialized against other Lock
	// messages — used for operations that mutate shared topology (AddPort,
	// Connect, Disconnect) so the state tracker never observes a torn
	// graph edit under concurrent requests.
	Lock bool

	// Queue indicates the message is queued to the destination module's
	// per-module send queue rather than dispatched synchronously.
	Queue bool
}

// table is the full routing table, built once at package load and never
// mutated afterward.
var table = map[message.Type]Flags{
	message.Identify:            {Track: false, Broadcast: false},
	message.AddHub:              {Track: true, Broadcast: true},
	message.RemoveHub:           {Track: true, Broadcast: true},
	message.Ping:                {},
	message.Pong:                {},
	message.Spawn:               {Track: true, Broadcast: true, Forward: true},
	message.SpawnPrepared:       {Broadcast: true},
	message.Started:             {Track: true, Broadcast: true},
	message.Kill:                {Forward: true, Queue: true},
	message.Debug:               {Broadcast: true},
	message.Quit:                {Track: true, Broadcast: true},
	message.ModuleExit:          {Track: true, Broadcast: true},
	message.Execute:             {Forward: true, Queue: true},
	message.CancelExecute:       {Forward: true, Queue: true},
	message.Busy:                {Track: true, Broadcast: true},
	message.Idle:                {Track: true, Broadcast: true},
	message.AddPort:             {Track: true, Broadcast: true, Lock: true},
	message.RemovePort:          {Track: true, Broadcast: true, Lock: true},
	message.AddObject:           {Forward: true, Queue: true},
	message.AddObjectCompleted:  {Forward: true, Queue: true},
	message.Connect:             {Track: true, Broadcast: true, Forward: true, Lock: true},
	message.Disconnect:          {Track: true, Broadcast: true, Forward: true, Lock: true},
	message.AddParameter:        {Track: true, Broadcast: true},
	message.RemoveParameter:     {Track: true, Broadcast: true},
	message.SetParameter:        {Track: true, Broadcast: true, Forward: true},
	message.SetParameterChoices: {Track: true, Broadcast: true},
	message.Barrier:             {Broadcast: true, Forward: true, Queue: true},
	message.BarrierReached:      {Track: true, Broadcast: true},
	message.SetID:               {},
	message.ReplayFinished:      {Track: true},
	message.SendText:            {Track: true, Broadcast: true},
	message.UpdateStatus:        {Track: true, Broadcast: true},
	message.ObjectReceivePolicy: {Track: true, Forward: true},
	message.SchedulingPolicy:    {Track: true, Forward: true},
	message.ReducePolicy:       {Track: true, Forward: true},
	message.ExecutionProgress:  {Track: true, Broadcast: true},
	message.Trace:              {Broadcast: true},
	message.ModuleAvailable:    {Track: true, Broadcast: true},
	message.LockUI:             {Broadcast: true},
	message.RequestTunnel:      {Broadcast: true},
	message.RequestObject:      {Forward: true},
	message.SendObject:         {Forward: true},
	message.FileQuery:          {Forward: true},
	message.FileQueryResult:    {Forward: true},
	message.DataTransferState:  {Track: true, Broadcast: true},
	message.CloseConnection:    {},
}

// For looks up the routing flags for a message type. Types absent from the
// table (none should be, outside of Invalid) route with all flags false —
// handled locally, untracked, unbroadcast.
func For(t message.Type) Flags {
	return table[t]
}

// ShouldTrack reports whether the state tracker should record this message.
func ShouldTrack(t message.Type) bool { return For(t).Track }

// ShouldBroadcast reports whether this message must be relayed to every
// peer hub.
func ShouldBroadcast(t message.Type) bool { return For(t).Broadcast }

// ShouldForward reports whether this message must additionally be routed to
// the cluster manager owning the addressed module.
func ShouldForward(t message.Type) bool { return For(t).Forward }

// RequiresLock reports whether handling this message must be serialized
// against other topology-mutating messages.
func RequiresLock(t message.Type) bool { return For(t).Lock }

// IsQueued reports whether this message is delivered via the destination
// module's per-module queue instead of being dispatched synchronously.
func IsQueued(t message.Type) bool { return For(t).Queue }
