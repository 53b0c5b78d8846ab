package codec

import (
	"reflect"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/yairfalse/runtap/pkg/domain"
)

// argsCase decodes one discriminator's argument tuple
type argsCase[A any] struct {
	name   string
	arity  int
	decode func(raw msgpack.RawMessage) (A, error)
}

func newArgsCase[A any, T any](name string) argsCase[A] {
	var zero T
	t := reflect.TypeOf(zero)
	narrow := hasNarrowInts(t)
	return argsCase[A]{
		name:  name,
		arity: tupleArity(t),
		decode: func(raw msgpack.RawMessage) (A, error) {
			var args T
			var none A
			if err := msgpack.Unmarshal(raw, &args); err != nil {
				return none, err
			}
			if narrow {
				if err := checkRanges(raw, t); err != nil {
					return none, err
				}
			}
			return any(args).(A), nil
		},
	}
}

func eventCase[T domain.EventArgs]() argsCase[domain.EventArgs] {
	var zero T
	return newArgsCase[domain.EventArgs, T](zero.EventType().String())
}

func commandCase[T domain.CommandArgs]() argsCase[domain.CommandArgs] {
	var zero T
	return newArgsCase[domain.CommandArgs, T](zero.CommandType().String())
}

// tupleArity counts the fields written for an args struct
func tupleArity(t reflect.Type) int {
	n := 0
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).IsExported() {
			n++
		}
	}
	return n
}

var eventCases = map[domain.EventType]argsCase[domain.EventArgs]{
	domain.EventMethodEnter:                 eventCase[domain.MethodEnterArgs](),
	domain.EventMethodExit:                  eventCase[domain.MethodExitArgs](),
	domain.EventTailcall:                    eventCase[domain.TailcallArgs](),
	domain.EventMethodEnterWithArguments:    eventCase[domain.MethodEnterWithArgumentsArgs](),
	domain.EventMethodExitWithArguments:     eventCase[domain.MethodExitWithArgumentsArgs](),
	domain.EventTailcallWithArguments:       eventCase[domain.TailcallWithArgumentsArgs](),
	domain.EventThreadCreate:                eventCase[domain.ThreadCreateArgs](),
	domain.EventThreadRename:                eventCase[domain.ThreadRenameArgs](),
	domain.EventThreadDestroy:               eventCase[domain.ThreadDestroyArgs](),
	domain.EventAssemblyLoad:                eventCase[domain.AssemblyLoadArgs](),
	domain.EventModuleLoad:                  eventCase[domain.ModuleLoadArgs](),
	domain.EventTypeLoad:                    eventCase[domain.TypeLoadArgs](),
	domain.EventJITCompilation:              eventCase[domain.JITCompilationArgs](),
	domain.EventGarbageCollectionStart:      eventCase[domain.GarbageCollectionStartArgs](),
	domain.EventGarbageCollectionFinish:     eventCase[domain.GarbageCollectionFinishArgs](),
	domain.EventGarbageCollectionSurvivors:  eventCase[domain.GarbageCollectionSurvivorsArgs](),
	domain.EventGarbageCollectionCompaction: eventCase[domain.GarbageCollectionCompactionArgs](),
	domain.EventAssemblyReferenceInjection:  eventCase[domain.AssemblyReferenceInjectionArgs](),
	domain.EventTypeDefinitionInjection:     eventCase[domain.TypeDefinitionInjectionArgs](),
	domain.EventTypeReferenceInjection:      eventCase[domain.TypeReferenceInjectionArgs](),
	domain.EventMethodDefinitionInjection:   eventCase[domain.MethodDefinitionInjectionArgs](),
	domain.EventMethodWrapperInjection:      eventCase[domain.MethodWrapperInjectionArgs](),
	domain.EventMethodReferenceInjection:    eventCase[domain.MethodReferenceInjectionArgs](),
	domain.EventMethodBodyRewrite:           eventCase[domain.MethodBodyRewriteArgs](),
	domain.EventObjectTracking:              eventCase[domain.ObjectTrackingArgs](),
	domain.EventObjectRemoved:               eventCase[domain.ObjectRemovedArgs](),
	domain.EventProfilerLoad:                eventCase[domain.ProfilerLoadArgs](),
	domain.EventProfilerInitialize:          eventCase[domain.ProfilerInitializeArgs](),
	domain.EventProfilerDestroy:             eventCase[domain.ProfilerDestroyArgs](),
	domain.EventStackTraceSnapshot:          eventCase[domain.StackTraceSnapshotArgs](),
	domain.EventStackTraceSnapshots:         eventCase[domain.StackTraceSnapshotsArgs](),
	domain.EventPong:                        eventCase[domain.PongArgs](),
}

var commandCases = map[domain.CommandType]argsCase[domain.CommandArgs]{
	domain.CommandPing:                 commandCase[domain.PingArgs](),
	domain.CommandCreateStackSnapshot:  commandCase[domain.CreateStackSnapshotArgs](),
	domain.CommandCreateStackSnapshots: commandCase[domain.CreateStackSnapshotsArgs](),
}

// KnownEventTypes returns every event discriminator this build can decode
func KnownEventTypes() []domain.EventType {
	types := make([]domain.EventType, 0, len(eventCases))
	for t := range eventCases {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
