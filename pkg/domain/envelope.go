// Package domain defines the event and command messages exchanged between an
// instrumented process and the external analysis process.
//
// Every message is a tagged union: a metadata header followed by a
// discriminator and the discriminator-specific arguments. Adding a new kind
// is an additive change to EventType or CommandType plus one args type.
package domain

import "fmt"

// EventType is the discriminator of an outbound event
type EventType int32

const (
	EventNotSpecified EventType = 0

	// Generic method enter/exit
	EventMethodEnter              EventType = 1
	EventMethodExit               EventType = 2
	EventTailcall                 EventType = 3
	EventMethodEnterWithArguments EventType = 4
	EventMethodExitWithArguments  EventType = 5
	EventTailcallWithArguments    EventType = 6

	// Threading
	EventThreadCreate  EventType = 13
	EventThreadRename  EventType = 14
	EventThreadDestroy EventType = 15

	// Metadata loads, JIT
	EventAssemblyLoad   EventType = 16
	EventModuleLoad     EventType = 17
	EventTypeLoad       EventType = 18
	EventJITCompilation EventType = 19

	// Garbage collection
	EventGarbageCollectionStart      EventType = 20
	EventGarbageCollectionFinish     EventType = 21
	EventGarbageCollectionSurvivors  EventType = 22
	EventGarbageCollectionCompaction EventType = 23

	// Metadata modifications
	EventAssemblyReferenceInjection EventType = 24
	EventTypeDefinitionInjection    EventType = 25
	EventTypeReferenceInjection     EventType = 26
	EventMethodDefinitionInjection  EventType = 27
	EventMethodWrapperInjection     EventType = 28
	EventMethodReferenceInjection   EventType = 29
	EventMethodBodyRewrite          EventType = 30

	// Objects tracking
	EventObjectTracking EventType = 31
	EventObjectRemoved  EventType = 32

	// Profiler lifecycle
	EventProfilerLoad       EventType = 33
	EventProfilerInitialize EventType = 34
	EventProfilerDestroy    EventType = 35

	// Command replies
	EventStackTraceSnapshot  EventType = 36
	EventStackTraceSnapshots EventType = 37
	EventPong                EventType = 38
)

var eventTypeNames = map[EventType]string{
	EventNotSpecified:                "NotSpecified",
	EventMethodEnter:                 "MethodEnter",
	EventMethodExit:                  "MethodExit",
	EventTailcall:                    "Tailcall",
	EventMethodEnterWithArguments:    "MethodEnterWithArguments",
	EventMethodExitWithArguments:     "MethodExitWithArguments",
	EventTailcallWithArguments:       "TailcallWithArguments",
	EventThreadCreate:                "ThreadCreate",
	EventThreadRename:                "ThreadRename",
	EventThreadDestroy:               "ThreadDestroy",
	EventAssemblyLoad:                "AssemblyLoad",
	EventModuleLoad:                  "ModuleLoad",
	EventTypeLoad:                    "TypeLoad",
	EventJITCompilation:              "JITCompilation",
	EventGarbageCollectionStart:      "GarbageCollectionStart",
	EventGarbageCollectionFinish:     "GarbageCollectionFinish",
	EventGarbageCollectionSurvivors:  "GarbageCollectionSurvivors",
	EventGarbageCollectionCompaction: "GarbageCollectionCompaction",
	EventAssemblyReferenceInjection:  "AssemblyReferenceInjection",
	EventTypeDefinitionInjection:     "TypeDefinitionInjection",
	EventTypeReferenceInjection:      "TypeReferenceInjection",
	EventMethodDefinitionInjection:   "MethodDefinitionInjection",
	EventMethodWrapperInjection:      "MethodWrapperInjection",
	EventMethodReferenceInjection:    "MethodReferenceInjection",
	EventMethodBodyRewrite:           "MethodBodyRewrite",
	EventObjectTracking:              "ObjectTracking",
	EventObjectRemoved:               "ObjectRemoved",
	EventProfilerLoad:                "ProfilerLoad",
	EventProfilerInitialize:          "ProfilerInitialize",
	EventProfilerDestroy:             "ProfilerDestroy",
	EventStackTraceSnapshot:          "StackTraceSnapshot",
	EventStackTraceSnapshots:         "StackTraceSnapshots",
	EventPong:                        "Pong",
}

// String returns the event type name
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int32(t))
}

// Metadata is the header of every outbound event.
// CommandID is set only when the event replies to a command.
type Metadata struct {
	ProcessID uint32
	ThreadID  uint64
	CommandID *uint64
}

// NewMetadata creates a header for an unsolicited event
func NewMetadata(pid uint32, tid uint64) Metadata {
	return Metadata{ProcessID: pid, ThreadID: tid}
}

// NewReplyMetadata creates a header for an event that answers commandID
func NewReplyMetadata(pid uint32, tid uint64, commandID uint64) Metadata {
	return Metadata{ProcessID: pid, ThreadID: tid, CommandID: &commandID}
}

// IsReply reports whether the event answers a command
func (m Metadata) IsReply() bool {
	return m.CommandID != nil
}

// EventArgs is the discriminator-specific payload of an event
type EventArgs interface {
	EventType() EventType
}

// EventEnvelope is one outbound message. It is not modified after it has
// been handed to the transport.
type EventEnvelope struct {
	Metadata Metadata
	Args     EventArgs
}

// Type returns the discriminator of the payload
func (e EventEnvelope) Type() EventType {
	if e.Args == nil {
		return EventNotSpecified
	}
	return e.Args.EventType()
}
