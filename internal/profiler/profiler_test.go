package profiler

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/runtap/internal/objects"
	"github.com/yairfalse/runtap/internal/transport"
	"github.com/yairfalse/runtap/internal/transport/memq"
	"github.com/yairfalse/runtap/pkg/codec"
	"github.com/yairfalse/runtap/pkg/config"
	"github.com/yairfalse/runtap/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

const testPID = 321

// harness is the analysis side of a profiler under test
type harness struct {
	t        *testing.T
	profiler *Profiler
	events   transport.Consumer
	commands transport.Producer
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	provider := memq.New(logger)

	events := transport.Endpoint{Name: "events", Size: 1 << 20}
	commands := transport.Endpoint{Name: "commands", Size: 1 << 16}

	ch, err := transport.NewChannel(provider, transport.ChannelConfig{
		Events:             events,
		Commands:           commands,
		SendWaitTimeout:    10 * time.Millisecond,
		ReceivePollTimeout: 5 * time.Millisecond,
		ShutdownTimeout:    time.Second,
		ProcessID:          testPID,
		Logger:             logger,
	})
	require.NoError(t, err)

	h := &harness{t: t}
	h.events, err = provider.NewConsumer(events)
	require.NoError(t, err)
	h.commands, err = provider.NewProducer(commands)
	require.NoError(t, err)

	h.profiler = NewWithChannel(ch, logger, append([]Option{WithProcessID(testPID)}, opts...)...)
	t.Cleanup(func() {
		_ = h.profiler.Close(0)
		_ = h.events.Close()
		_ = h.commands.Close()
	})
	return h
}

func (h *harness) next() domain.EventEnvelope {
	h.t.Helper()
	buf, err := h.events.Dequeue(2 * time.Second)
	require.NoError(h.t, err)
	defer buf.Release()

	env, err := codec.DecodeEvent(buf.Bytes())
	require.NoError(h.t, err)
	return env
}

func (h *harness) expectNone() {
	h.t.Helper()
	_, err := h.events.Dequeue(50 * time.Millisecond)
	assert.ErrorIs(h.t, err, transport.ErrEmpty)
}

func (h *harness) command(id uint64, args domain.CommandArgs) {
	h.t.Helper()
	data, err := codec.EncodeCommand(domain.CommandEnvelope{
		Metadata: domain.CommandMetadata{ProcessID: 1, ThreadID: 1, CommandID: id},
		Args:     args,
	})
	require.NoError(h.t, err)
	require.NoError(h.t, h.commands.Enqueue(data))
}

func le64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func info(index uint16, size int) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(index)<<16|uint32(size))
}

func TestLifecycleEvents(t *testing.T) {
	h := newHarness(t)
	p := h.profiler

	require.NoError(t, p.Loaded(1, RuntimeInfo{RuntimeType: 2, MajorVersion: 8}))
	require.NoError(t, p.Initialized(1))
	require.NoError(t, p.ThreadCreated(1, 55))
	require.NoError(t, p.ThreadRenamed(1, 55, "worker"))
	require.NoError(t, p.Close(1))

	load := h.next()
	assert.Equal(t, domain.EventProfilerLoad, load.Type())
	assert.Equal(t, uint32(8), load.Args.(domain.ProfilerLoadArgs).MajorVersion)
	assert.Equal(t, uint32(testPID), load.Metadata.ProcessID)
	assert.Equal(t, uint64(1), load.Metadata.ThreadID)

	assert.Equal(t, domain.EventProfilerInitialize, h.next().Type())
	assert.Equal(t, domain.ThreadCreateArgs{ThreadID: 55}, h.next().Args)
	assert.Equal(t, domain.ThreadRenameArgs{ThreadID: 55, Name: "worker"}, h.next().Args)
	assert.Equal(t, domain.EventProfilerDestroy, h.next().Type())

	assert.ErrorIs(t, p.Emit(1, domain.ProfilerInitializeArgs{}), ErrClosed)
	assert.NoError(t, p.Close(1))
}

func TestMetadataEvents(t *testing.T) {
	h := newHarness(t)
	p := h.profiler

	require.NoError(t, p.AssemblyLoaded(2, 10, "App"))
	require.NoError(t, p.ModuleLoaded(2, 20, 10, "/app/App.dll"))
	require.NoError(t, p.TypeLoaded(2, 20, 0x02000001))
	require.NoError(t, p.JITCompiled(2, 20, 0x02000001, 0x06000001))
	require.NoError(t, p.MethodBodyRewritten(2, 20, 0x06000001))
	require.NoError(t, p.MethodWrapperInjected(2, 20, 0x02000001, 0x06000001, 0x06000002, "Wrapper"))

	assert.Equal(t, domain.AssemblyLoadArgs{AssemblyID: 10, Name: "App"}, h.next().Args)
	assert.Equal(t, domain.ModuleLoadArgs{ModuleID: 20, AssemblyID: 10, Path: "/app/App.dll"}, h.next().Args)
	assert.Equal(t, domain.EventTypeLoad, h.next().Type())
	assert.Equal(t, domain.EventJITCompilation, h.next().Type())
	assert.Equal(t, domain.EventMethodBodyRewrite, h.next().Type())
	wrapper := h.next().Args.(domain.MethodWrapperInjectionArgs)
	assert.Equal(t, uint32(0x06000002), wrapper.WrapperMethodToken)
	assert.Equal(t, "Wrapper", wrapper.WrapperMethodName)
}

func TestGarbageCollectionCycle(t *testing.T) {
	h := newHarness(t)
	p := h.profiler

	a := p.TrackObject(1, 100)
	b := p.TrackObject(1, 200)
	c := p.TrackObject(1, 300)
	assert.Equal(t, b, p.TrackObject(1, 200))
	for _, id := range []objects.ID{a, b, c} {
		assert.Equal(t, domain.ObjectTrackingArgs{TrackedObjectID: uint64(id)}, h.next().Args)
	}

	require.NoError(t, p.GarbageCollectionStarted(3,
		[]bool{true},
		[]domain.GenerationRange{{Generation: 0, Start: 0, Length: 1000}}))
	require.NoError(t, p.SurvivingReferences(3, []uint64{150}, []uint64{100}))
	report, err := p.GarbageCollectionFinished(3)
	require.NoError(t, err)

	assert.Equal(t, 3, report.PreviousCount)
	assert.Equal(t, 1, report.NewCount)
	assert.Equal(t, []objects.ID{a, c}, report.Removed)

	assert.Equal(t, domain.EventGarbageCollectionStart, h.next().Type())
	assert.Equal(t, domain.ObjectRemovedArgs{TrackedObjectIDs: []uint64{uint64(a), uint64(c)}}, h.next().Args)
	assert.Equal(t, domain.GarbageCollectionFinishArgs{OldTrackedObjectsCount: 3, NewTrackedObjectsCount: 1}, h.next().Args)
	h.expectNone()

	id, ok := p.Tracker().Lookup(200)
	require.True(t, ok)
	assert.Equal(t, b, id)
}

func TestObjectTrackedDuringCollectionIsRemoved(t *testing.T) {
	h := newHarness(t)
	p := h.profiler

	a := p.TrackObject(1, 100)
	h.next()

	require.NoError(t, p.GarbageCollectionStarted(2, []bool{true}, nil))
	late := p.TrackObject(1, 500)
	require.NoError(t, p.SurvivingReferences(2, []uint64{100}, []uint64{1}))
	_, err := p.GarbageCollectionFinished(2)
	require.NoError(t, err)

	assert.Equal(t, domain.EventGarbageCollectionStart, h.next().Type())
	assert.Equal(t, domain.ObjectTrackingArgs{TrackedObjectID: uint64(late)}, h.next().Args)
	assert.Equal(t, domain.ObjectRemovedArgs{TrackedObjectIDs: []uint64{uint64(late)}}, h.next().Args)
	assert.Equal(t, domain.GarbageCollectionFinishArgs{OldTrackedObjectsCount: 2, NewTrackedObjectsCount: 1}, h.next().Args)
	h.expectNone()

	id, ok := p.Tracker().Lookup(100)
	require.True(t, ok)
	assert.Equal(t, a, id)
}

func TestGarbageCollectionWithMovesAndNoRemovals(t *testing.T) {
	h := newHarness(t, WithEmitGCRanges(true))
	p := h.profiler

	x := p.TrackObject(1, 120)
	h.next()

	require.NoError(t, p.GarbageCollectionStarted(1, []bool{true}, nil))
	require.NoError(t, p.MovedReferences(1, []uint64{100}, []uint64{1000}, []uint64{50}))
	_, err := p.GarbageCollectionFinished(1)
	require.NoError(t, err)

	assert.Equal(t, domain.EventGarbageCollectionStart, h.next().Type())
	assert.Equal(t, domain.GarbageCollectionCompactionArgs{
		OldStarts: []uint64{100},
		NewStarts: []uint64{1000},
		Lengths:   []uint64{50},
	}, h.next().Args)
	// No removal event when every object survived
	assert.Equal(t, domain.EventGarbageCollectionFinish, h.next().Type())

	id, ok := p.Tracker().Lookup(1020)
	require.True(t, ok)
	assert.Equal(t, x, id)
	_, ok = p.Tracker().Lookup(120)
	assert.False(t, ok)
}

func TestGarbageCollectionRangesNotMirroredByDefault(t *testing.T) {
	h := newHarness(t)
	p := h.profiler

	require.NoError(t, p.GarbageCollectionStarted(1, []bool{true}, nil))
	require.NoError(t, p.SurvivingReferences(1, []uint64{0}, []uint64{10}))
	_, err := p.GarbageCollectionFinished(1)
	require.NoError(t, err)

	assert.Equal(t, domain.EventGarbageCollectionStart, h.next().Type())
	assert.Equal(t, domain.EventGarbageCollectionFinish, h.next().Type())
}

func TestGarbageCollectionProtocolViolations(t *testing.T) {
	h := newHarness(t)
	p := h.profiler

	_, err := p.GarbageCollectionFinished(1)
	assert.ErrorIs(t, err, objects.ErrNoActiveCollection)
	assert.ErrorIs(t, p.SurvivingReferences(1, []uint64{1}, []uint64{1}), objects.ErrNoActiveCollection)

	require.NoError(t, p.GarbageCollectionStarted(1, nil, nil))
	assert.ErrorIs(t, p.GarbageCollectionStarted(1, nil, nil), objects.ErrCollectionActive)

	// Only the accepted start was announced
	assert.Equal(t, domain.EventGarbageCollectionStart, h.next().Type())
	h.expectNone()
}

func TestEnterLeaveWithoutArguments(t *testing.T) {
	h := newHarness(t)
	method := Method{ModuleID: 1, MethodToken: 0x06000010, Interpretation: 3}

	frame := h.profiler.EnterMethod(9, method, nil)
	frame.Leave(nil)
	frame.Leave(nil)

	assert.Equal(t, domain.MethodEnterArgs{ModuleID: 1, MethodToken: 0x06000010, Interpretation: 3}, h.next().Args)
	exit := h.next()
	assert.Equal(t, domain.MethodExitArgs{ModuleID: 1, MethodToken: 0x06000010, Interpretation: 3}, exit.Args)
	assert.Equal(t, uint64(9), exit.Metadata.ThreadID)
	h.expectNone()
}

func TestEnterRewritesReferences(t *testing.T) {
	h := newHarness(t)
	method := Method{ModuleID: 1, MethodToken: 2}

	ref := le64(0x5000)
	args := []Argument{
		{Index: 0, Value: []byte{7, 0, 0, 0}},
		{Index: 1, Value: ref, Reference: true},
		{Index: 2, Value: le64(0), Reference: true},
	}
	h.profiler.EnterMethod(1, method, args).Leave(nil)

	tracking := h.next().Args.(domain.ObjectTrackingArgs)
	enter := h.next().Args.(domain.MethodEnterWithArgumentsArgs)

	var want []byte
	want = append(want, 7, 0, 0, 0)
	want = append(want, le64(tracking.TrackedObjectID)...)
	want = append(want, le64(0)...)
	assert.Equal(t, want, enter.ArgValues)

	var infos []byte
	infos = append(infos, info(0, 4)...)
	infos = append(infos, info(1, 8)...)
	infos = append(infos, info(2, 8)...)
	assert.Equal(t, infos, enter.ArgInfos)

	// The caller's buffer is left alone
	assert.Equal(t, le64(0x5000), ref)
	assert.Equal(t, domain.EventMethodExit, h.next().Type())
}

func TestLeaveRereadsByRefArguments(t *testing.T) {
	h := newHarness(t)
	method := Method{ModuleID: 1, MethodToken: 2, CapturesReturn: true}

	current := []byte{1, 0}
	args := []Argument{
		{Index: 0, Value: []byte{9}},
		{Index: 1, Load: func() []byte { return append([]byte(nil), current...) }},
	}

	frame := h.profiler.EnterMethod(4, method, args)
	current = []byte{2, 0}
	frame.Leave([]byte{0xAA})

	enter := h.next().Args.(domain.MethodEnterWithArgumentsArgs)
	assert.Equal(t, []byte{9, 1, 0}, enter.ArgValues)

	exit := h.next().Args.(domain.MethodExitWithArgumentsArgs)
	assert.Equal(t, []byte{0xAA}, exit.ReturnValue)
	assert.Equal(t, []byte{2, 0}, exit.ByRefValues)
	assert.Equal(t, info(1, 2), exit.ByRefInfos)
}

func TestLeaveWithReturnOnly(t *testing.T) {
	h := newHarness(t)
	method := Method{ModuleID: 1, MethodToken: 2, CapturesReturn: true}

	h.profiler.EnterMethod(4, method, nil).Leave([]byte{1, 2, 3, 4})

	assert.Equal(t, domain.EventMethodEnter, h.next().Type())
	exit := h.next().Args.(domain.MethodExitWithArgumentsArgs)
	assert.Equal(t, []byte{1, 2, 3, 4}, exit.ReturnValue)
	assert.Empty(t, exit.ByRefValues)
}

func TestTailcall(t *testing.T) {
	h := newHarness(t)
	method := Method{ModuleID: 5, MethodToken: 6}

	h.profiler.Tailcall(1, method, nil)
	h.profiler.Tailcall(1, method, []Argument{{Index: 3, Value: []byte{1}}})

	assert.Equal(t, domain.TailcallArgs{ModuleID: 5, MethodToken: 6}, h.next().Args)
	tail := h.next().Args.(domain.TailcallWithArgumentsArgs)
	assert.Equal(t, []byte{1}, tail.ArgValues)
	assert.Equal(t, info(3, 1), tail.ArgInfos)
}

func TestStackSnapshotCommand(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	walker := StackWalkerFunc(func(tid uint64) ([]domain.StackFrame, error) {
		return []domain.StackFrame{{ModuleID: tid, MethodToken: 1}, {ModuleID: tid, MethodToken: 2}}, nil
	})
	h := newHarness(t, WithStackWalker(walker), WithTracer(tp.Tracer("test")))

	h.command(77, domain.CreateStackSnapshotArgs{TargetThreadID: 12})

	reply := h.next()
	require.True(t, reply.Metadata.IsReply())
	assert.Equal(t, uint64(77), *reply.Metadata.CommandID)
	snapshot := reply.Args.(domain.StackTraceSnapshotArgs)
	assert.Equal(t, uint64(12), snapshot.ThreadID)
	assert.Equal(t, []domain.StackFrame{{ModuleID: 12, MethodToken: 1}, {ModuleID: 12, MethodToken: 2}}, snapshot.Frames())

	require.Eventually(t, func() bool { return len(recorder.Ended()) == 1 }, time.Second, 5*time.Millisecond)
	span := recorder.Ended()[0]
	assert.Equal(t, "profiler.create_stack_snapshot", span.Name())
	assert.Contains(t, span.Attributes(), attribute.Int("runtap.frames", 2))
}

func TestStackSnapshotsReportFailedThreadsEmpty(t *testing.T) {
	walker := StackWalkerFunc(func(tid uint64) ([]domain.StackFrame, error) {
		if tid == 2 {
			return nil, errors.New("thread exited")
		}
		return []domain.StackFrame{{ModuleID: 1, MethodToken: uint32(tid)}}, nil
	})
	h := newHarness(t, WithStackWalker(walker))

	h.command(5, domain.CreateStackSnapshotsArgs{TargetThreadIDs: []uint64{1, 2, 3}})

	reply := h.next()
	assert.Equal(t, uint64(5), *reply.Metadata.CommandID)
	snapshots := reply.Args.(domain.StackTraceSnapshotsArgs).Snapshots
	require.Len(t, snapshots, 3)
	assert.Len(t, snapshots[0].Frames(), 1)
	assert.Equal(t, uint64(2), snapshots[1].ThreadID)
	assert.Empty(t, snapshots[1].Frames())
	assert.Equal(t, uint32(3), snapshots[2].Frames()[0].MethodToken)
}

func TestStackSnapshotFailureSendsNothing(t *testing.T) {
	walker := StackWalkerFunc(func(uint64) ([]domain.StackFrame, error) {
		return nil, errors.New("thread exited")
	})
	h := newHarness(t, WithStackWalker(walker))

	h.command(1, domain.CreateStackSnapshotArgs{TargetThreadID: 1})
	h.command(2, domain.PingArgs{})

	pong := h.next()
	assert.Equal(t, domain.EventPong, pong.Type())
	assert.Equal(t, uint64(2), *pong.Metadata.CommandID)
}

func TestSnapshotWithoutWalkerSendsNothing(t *testing.T) {
	h := newHarness(t)

	h.command(1, domain.CreateStackSnapshotsArgs{TargetThreadIDs: []uint64{1}})
	h.command(2, domain.PingArgs{})

	assert.Equal(t, domain.EventPong, h.next().Type())
	h.expectNone()
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().WithSession(uuid.New())
	cfg.Provider = memq.ProviderName
	cfg.SendWaitTimeout = 10 * time.Millisecond
	cfg.ReceivePollTimeout = 5 * time.Millisecond

	p, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	events, err := memq.Default().NewConsumer(transport.Endpoint{Name: cfg.Events.Name, Size: cfg.Events.Size})
	require.NoError(t, err)
	defer events.Close()

	require.NoError(t, p.Initialized(1))
	require.NoError(t, p.Close(1))

	buf, err := events.Dequeue(time.Second)
	require.NoError(t, err)
	env, err := codec.DecodeEvent(buf.Bytes())
	buf.Release()
	require.NoError(t, err)
	assert.Equal(t, domain.EventProfilerInitialize, env.Type())

	health := p.Health()
	assert.Equal(t, domain.HealthUnhealthy, health.Status)
	assert.Contains(t, health.Details, "tracked_objects")

	cfg.Provider = "unknown"
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, transport.ErrUnknownProvider)
}
