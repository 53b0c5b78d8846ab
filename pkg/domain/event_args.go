package domain

// All args types are encoded as positional arrays. Field order is part of the
// wire format and must not change; new fields go into new event kinds.

type MethodEnterArgs struct {
	_msgpack       struct{} `msgpack:",as_array"`
	ModuleID       uint64
	MethodToken    uint32
	Interpretation uint16
}

func (MethodEnterArgs) EventType() EventType { return EventMethodEnter }

type MethodExitArgs struct {
	_msgpack       struct{} `msgpack:",as_array"`
	ModuleID       uint64
	MethodToken    uint32
	Interpretation uint16
}

func (MethodExitArgs) EventType() EventType { return EventMethodExit }

type TailcallArgs struct {
	_msgpack    struct{} `msgpack:",as_array"`
	ModuleID    uint64
	MethodToken uint32
}

func (TailcallArgs) EventType() EventType { return EventTailcall }

// MethodEnterWithArgumentsArgs carries captured argument bytes. ArgInfos
// holds one little-endian uint32 per argument: index<<16 | value length.
type MethodEnterWithArgumentsArgs struct {
	_msgpack       struct{} `msgpack:",as_array"`
	ModuleID       uint64
	MethodToken    uint32
	Interpretation uint16
	ArgValues      []byte
	ArgInfos       []byte
}

func (MethodEnterWithArgumentsArgs) EventType() EventType { return EventMethodEnterWithArguments }

type MethodExitWithArgumentsArgs struct {
	_msgpack       struct{} `msgpack:",as_array"`
	ModuleID       uint64
	MethodToken    uint32
	Interpretation uint16
	ReturnValue    []byte
	ByRefValues    []byte
	ByRefInfos     []byte
}

func (MethodExitWithArgumentsArgs) EventType() EventType { return EventMethodExitWithArguments }

type TailcallWithArgumentsArgs struct {
	_msgpack    struct{} `msgpack:",as_array"`
	ModuleID    uint64
	MethodToken uint32
	ArgValues   []byte
	ArgInfos    []byte
}

func (TailcallWithArgumentsArgs) EventType() EventType { return EventTailcallWithArguments }

type ThreadCreateArgs struct {
	_msgpack struct{} `msgpack:",as_array"`
	ThreadID uint64
}

func (ThreadCreateArgs) EventType() EventType { return EventThreadCreate }

type ThreadRenameArgs struct {
	_msgpack struct{} `msgpack:",as_array"`
	ThreadID uint64
	Name     string
}

func (ThreadRenameArgs) EventType() EventType { return EventThreadRename }

type ThreadDestroyArgs struct {
	_msgpack struct{} `msgpack:",as_array"`
	ThreadID uint64
}

func (ThreadDestroyArgs) EventType() EventType { return EventThreadDestroy }

type AssemblyLoadArgs struct {
	_msgpack   struct{} `msgpack:",as_array"`
	AssemblyID uint64
	Name       string
}

func (AssemblyLoadArgs) EventType() EventType { return EventAssemblyLoad }

type ModuleLoadArgs struct {
	_msgpack   struct{} `msgpack:",as_array"`
	ModuleID   uint64
	AssemblyID uint64
	Path       string
}

func (ModuleLoadArgs) EventType() EventType { return EventModuleLoad }

type TypeLoadArgs struct {
	_msgpack  struct{} `msgpack:",as_array"`
	ModuleID  uint64
	TypeToken uint32
}

func (TypeLoadArgs) EventType() EventType { return EventTypeLoad }

type JITCompilationArgs struct {
	_msgpack    struct{} `msgpack:",as_array"`
	ModuleID    uint64
	TypeToken   uint32
	MethodToken uint32
}

func (JITCompilationArgs) EventType() EventType { return EventJITCompilation }

type GarbageCollectionStartArgs struct {
	_msgpack struct{} `msgpack:",as_array"`
}

func (GarbageCollectionStartArgs) EventType() EventType { return EventGarbageCollectionStart }

type GarbageCollectionFinishArgs struct {
	_msgpack               struct{} `msgpack:",as_array"`
	OldTrackedObjectsCount uint64
	NewTrackedObjectsCount uint64
}

func (GarbageCollectionFinishArgs) EventType() EventType { return EventGarbageCollectionFinish }

type GarbageCollectionSurvivorsArgs struct {
	_msgpack struct{} `msgpack:",as_array"`
	Starts   []uint64
	Lengths  []uint64
}

func (GarbageCollectionSurvivorsArgs) EventType() EventType { return EventGarbageCollectionSurvivors }

type GarbageCollectionCompactionArgs struct {
	_msgpack  struct{} `msgpack:",as_array"`
	OldStarts []uint64
	NewStarts []uint64
	Lengths   []uint64
}

func (GarbageCollectionCompactionArgs) EventType() EventType {
	return EventGarbageCollectionCompaction
}

type AssemblyReferenceInjectionArgs struct {
	_msgpack         struct{} `msgpack:",as_array"`
	TargetAssemblyID uint64
	AssemblyID       uint64
}

func (AssemblyReferenceInjectionArgs) EventType() EventType {
	return EventAssemblyReferenceInjection
}

type TypeDefinitionInjectionArgs struct {
	_msgpack  struct{} `msgpack:",as_array"`
	ModuleID  uint64
	TypeToken uint32
	Name      string
}

func (TypeDefinitionInjectionArgs) EventType() EventType { return EventTypeDefinitionInjection }

type TypeReferenceInjectionArgs struct {
	_msgpack       struct{} `msgpack:",as_array"`
	TargetModuleID uint64
	FromModuleID   uint64
	TypeToken      uint32
}

func (TypeReferenceInjectionArgs) EventType() EventType { return EventTypeReferenceInjection }

type MethodDefinitionInjectionArgs struct {
	_msgpack    struct{} `msgpack:",as_array"`
	ModuleID    uint64
	TypeToken   uint32
	MethodToken uint32
	Name        string
}

func (MethodDefinitionInjectionArgs) EventType() EventType { return EventMethodDefinitionInjection }

type MethodWrapperInjectionArgs struct {
	_msgpack           struct{} `msgpack:",as_array"`
	ModuleID           uint64
	TypeToken          uint32
	WrappedMethodToken uint32
	WrapperMethodToken uint32
	WrapperMethodName  string
}

func (MethodWrapperInjectionArgs) EventType() EventType { return EventMethodWrapperInjection }

type MethodReferenceInjectionArgs struct {
	_msgpack       struct{} `msgpack:",as_array"`
	TargetModuleID uint64
	FullName       string
}

func (MethodReferenceInjectionArgs) EventType() EventType { return EventMethodReferenceInjection }

type MethodBodyRewriteArgs struct {
	_msgpack    struct{} `msgpack:",as_array"`
	ModuleID    uint64
	MethodToken uint32
}

func (MethodBodyRewriteArgs) EventType() EventType { return EventMethodBodyRewrite }

type ObjectTrackingArgs struct {
	_msgpack        struct{} `msgpack:",as_array"`
	TrackedObjectID uint64
}

func (ObjectTrackingArgs) EventType() EventType { return EventObjectTracking }

type ObjectRemovedArgs struct {
	_msgpack         struct{} `msgpack:",as_array"`
	TrackedObjectIDs []uint64
}

func (ObjectRemovedArgs) EventType() EventType { return EventObjectRemoved }

type ProfilerLoadArgs struct {
	_msgpack     struct{} `msgpack:",as_array"`
	RuntimeType  uint32
	MajorVersion uint32
	MinorVersion uint32
	BuildVersion uint32
	QfeVersion   uint32
}

func (ProfilerLoadArgs) EventType() EventType { return EventProfilerLoad }

type ProfilerInitializeArgs struct {
	_msgpack struct{} `msgpack:",as_array"`
}

func (ProfilerInitializeArgs) EventType() EventType { return EventProfilerInitialize }

type ProfilerDestroyArgs struct {
	_msgpack struct{} `msgpack:",as_array"`
}

func (ProfilerDestroyArgs) EventType() EventType { return EventProfilerDestroy }

// StackTraceSnapshotArgs lists the frames of one thread, innermost first.
// ModuleIDs and MethodTokens are parallel.
type StackTraceSnapshotArgs struct {
	_msgpack     struct{} `msgpack:",as_array"`
	ThreadID     uint64
	ModuleIDs    []uint64
	MethodTokens []uint32
}

func (StackTraceSnapshotArgs) EventType() EventType { return EventStackTraceSnapshot }

// Frames returns the snapshot as frame pairs
func (a StackTraceSnapshotArgs) Frames() []StackFrame {
	n := len(a.ModuleIDs)
	if len(a.MethodTokens) < n {
		n = len(a.MethodTokens)
	}
	frames := make([]StackFrame, n)
	for i := 0; i < n; i++ {
		frames[i] = StackFrame{ModuleID: a.ModuleIDs[i], MethodToken: a.MethodTokens[i]}
	}
	return frames
}

type StackTraceSnapshotsArgs struct {
	_msgpack  struct{} `msgpack:",as_array"`
	Snapshots []StackTraceSnapshotArgs
}

func (StackTraceSnapshotsArgs) EventType() EventType { return EventStackTraceSnapshots }

type PongArgs struct {
	_msgpack struct{} `msgpack:",as_array"`
}

func (PongArgs) EventType() EventType { return EventPong }

// StackFrame identifies one managed frame
type StackFrame struct {
	ModuleID    uint64
	MethodToken uint32
}

// NewStackTraceSnapshot builds a snapshot from frame pairs
func NewStackTraceSnapshot(threadID uint64, frames []StackFrame) StackTraceSnapshotArgs {
	snapshot := StackTraceSnapshotArgs{
		ThreadID:     threadID,
		ModuleIDs:    make([]uint64, len(frames)),
		MethodTokens: make([]uint32, len(frames)),
	}
	for i, frame := range frames {
		snapshot.ModuleIDs[i] = frame.ModuleID
		snapshot.MethodTokens[i] = frame.MethodToken
	}
	return snapshot
}
