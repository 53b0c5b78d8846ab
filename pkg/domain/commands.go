package domain

import "fmt"

// CommandType is the discriminator of an inbound command
type CommandType int32

const (
	CommandNotSpecified         CommandType = 0
	CommandPing                 CommandType = 1
	CommandCreateStackSnapshot  CommandType = 2
	CommandCreateStackSnapshots CommandType = 3
)

// String returns the command type name
func (t CommandType) String() string {
	switch t {
	case CommandNotSpecified:
		return "NotSpecified"
	case CommandPing:
		return "Ping"
	case CommandCreateStackSnapshot:
		return "CreateStackSnapshot"
	case CommandCreateStackSnapshots:
		return "CreateStackSnapshots"
	default:
		return fmt.Sprintf("CommandType(%d)", int32(t))
	}
}

// CommandMetadata is the header of every inbound command
type CommandMetadata struct {
	ProcessID uint32
	ThreadID  uint64
	CommandID uint64
}

// CommandArgs is the discriminator-specific payload of a command
type CommandArgs interface {
	CommandType() CommandType
}

// CommandEnvelope is one inbound message
type CommandEnvelope struct {
	Metadata CommandMetadata
	Args     CommandArgs
}

// Type returns the discriminator of the payload
func (c CommandEnvelope) Type() CommandType {
	if c.Args == nil {
		return CommandNotSpecified
	}
	return c.Args.CommandType()
}

// PingArgs asks the profiler to answer with a Pong event
type PingArgs struct {
	_msgpack struct{} `msgpack:",as_array"`
}

func (PingArgs) CommandType() CommandType { return CommandPing }

type CreateStackSnapshotArgs struct {
	_msgpack       struct{} `msgpack:",as_array"`
	TargetThreadID uint64
}

func (CreateStackSnapshotArgs) CommandType() CommandType { return CommandCreateStackSnapshot }

type CreateStackSnapshotsArgs struct {
	_msgpack        struct{} `msgpack:",as_array"`
	TargetThreadIDs []uint64
}

func (CreateStackSnapshotsArgs) CommandType() CommandType { return CommandCreateStackSnapshots }
