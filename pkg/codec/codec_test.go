package codec

import (
	"errors"
	"math"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/yairfalse/runtap/pkg/domain"
)

func sampleEvents() []domain.EventArgs {
	return []domain.EventArgs{
		domain.MethodEnterArgs{ModuleID: 0x7f00aa, MethodToken: 0x06000012, Interpretation: 3},
		domain.MethodExitArgs{ModuleID: 0x7f00aa, MethodToken: 0x06000012, Interpretation: 3},
		domain.TailcallArgs{ModuleID: 42, MethodToken: 0x06000001},
		domain.MethodEnterWithArgumentsArgs{
			ModuleID: 1, MethodToken: 2, Interpretation: 1,
			ArgValues: []byte{1, 0, 0, 0, 0, 0, 0, 0}, ArgInfos: []byte{8, 0, 0, 0},
		},
		domain.MethodExitWithArgumentsArgs{
			ModuleID: 1, MethodToken: 2, Interpretation: 1,
			ReturnValue: []byte{1}, ByRefValues: []byte{9, 9}, ByRefInfos: []byte{2, 0, 1, 0},
		},
		domain.TailcallWithArgumentsArgs{ModuleID: 1, MethodToken: 2, ArgValues: []byte{7}, ArgInfos: []byte{1, 0, 0, 0}},
		domain.ThreadCreateArgs{ThreadID: 77},
		domain.ThreadRenameArgs{ThreadID: 77, Name: "worker-1"},
		domain.ThreadDestroyArgs{ThreadID: 77},
		domain.AssemblyLoadArgs{AssemblyID: 5, Name: "System.Private.CoreLib"},
		domain.ModuleLoadArgs{ModuleID: 6, AssemblyID: 5, Path: "/usr/share/dotnet/System.Private.CoreLib.dll"},
		domain.TypeLoadArgs{ModuleID: 6, TypeToken: 0x02000004},
		domain.JITCompilationArgs{ModuleID: 6, TypeToken: 0x02000004, MethodToken: 0x06000100},
		domain.GarbageCollectionStartArgs{},
		domain.GarbageCollectionFinishArgs{OldTrackedObjectsCount: 10, NewTrackedObjectsCount: 4},
		domain.GarbageCollectionSurvivorsArgs{Starts: []uint64{100, 400}, Lengths: []uint64{50, 8}},
		domain.GarbageCollectionCompactionArgs{OldStarts: []uint64{100}, NewStarts: []uint64{1000}, Lengths: []uint64{50}},
		domain.AssemblyReferenceInjectionArgs{TargetAssemblyID: 1, AssemblyID: 2},
		domain.TypeDefinitionInjectionArgs{ModuleID: 6, TypeToken: 0x02000010, Name: "Injected.Helpers"},
		domain.TypeReferenceInjectionArgs{TargetModuleID: 6, FromModuleID: 7, TypeToken: 0x01000003},
		domain.MethodDefinitionInjectionArgs{ModuleID: 6, TypeToken: 0x02000010, MethodToken: 0x06000200, Name: "Notify"},
		domain.MethodWrapperInjectionArgs{
			ModuleID: 6, TypeToken: 0x02000010, WrappedMethodToken: 0x06000010,
			WrapperMethodToken: 0x06000201, WrapperMethodName: ".Enter",
		},
		domain.MethodReferenceInjectionArgs{TargetModuleID: 6, FullName: "System.Threading.Monitor::Enter"},
		domain.MethodBodyRewriteArgs{ModuleID: 6, MethodToken: 0x06000010},
		domain.ObjectTrackingArgs{TrackedObjectID: 1},
		domain.ObjectRemovedArgs{TrackedObjectIDs: []uint64{2, 3, 5}},
		domain.ProfilerLoadArgs{RuntimeType: 1, MajorVersion: 8, MinorVersion: 0, BuildVersion: 4, QfeVersion: 0},
		domain.ProfilerInitializeArgs{},
		domain.ProfilerDestroyArgs{},
		domain.StackTraceSnapshotArgs{ThreadID: 77, ModuleIDs: []uint64{6, 6}, MethodTokens: []uint32{0x06000010, 0x06000011}},
		domain.StackTraceSnapshotsArgs{Snapshots: []domain.StackTraceSnapshotArgs{
			{ThreadID: 1, ModuleIDs: []uint64{6}, MethodTokens: []uint32{0x06000001}},
			{ThreadID: 2, ModuleIDs: []uint64{7, 8}, MethodTokens: []uint32{0x06000002, 0x06000003}},
		}},
		domain.PongArgs{},
	}
}

// TestEventRoundTrip encodes every known event kind and decodes it back
func TestEventRoundTrip(t *testing.T) {
	samples := sampleEvents()
	require.Len(t, samples, len(KnownEventTypes()), "every known event kind needs a sample")

	for _, args := range samples {
		t.Run(args.EventType().String(), func(t *testing.T) {
			env := domain.EventEnvelope{Metadata: domain.NewMetadata(4242, 17), Args: args}

			data, err := EncodeEvent(env)
			require.NoError(t, err)

			decoded, err := DecodeEvent(data)
			require.NoError(t, err)
			assert.Equal(t, env.Metadata, decoded.Metadata)
			assert.Equal(t, args, decoded.Args)
			assert.False(t, decoded.Metadata.IsReply())
		})
	}
}

// TestReplyHeaderCarriesCommandID verifies the three element header form
func TestReplyHeaderCarriesCommandID(t *testing.T) {
	env := domain.EventEnvelope{
		Metadata: domain.NewReplyMetadata(1, 2, 99),
		Args:     domain.StackTraceSnapshotArgs{ThreadID: 2, ModuleIDs: []uint64{1}, MethodTokens: []uint32{3}},
	}

	data, err := EncodeEvent(env)
	require.NoError(t, err)

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	require.True(t, decoded.Metadata.IsReply())
	assert.Equal(t, uint64(99), *decoded.Metadata.CommandID)

	var raw []interface{}
	require.NoError(t, msgpack.Unmarshal(data, &raw))
	header, ok := raw[0].([]interface{})
	require.True(t, ok)
	assert.Len(t, header, 3)
}

// TestCommandRoundTrip encodes and decodes every command kind
func TestCommandRoundTrip(t *testing.T) {
	commands := []domain.CommandArgs{
		domain.PingArgs{},
		domain.CreateStackSnapshotArgs{TargetThreadID: 12},
		domain.CreateStackSnapshotsArgs{TargetThreadIDs: []uint64{12, 13, 14}},
	}

	for i, args := range commands {
		t.Run(args.CommandType().String(), func(t *testing.T) {
			env := domain.CommandEnvelope{
				Metadata: domain.CommandMetadata{ProcessID: 10, ThreadID: 0, CommandID: uint64(i + 1)},
				Args:     args,
			}
			data, err := EncodeCommand(env)
			require.NoError(t, err)

			decoded, err := DecodeCommand(data)
			require.NoError(t, err)
			assert.Equal(t, env, decoded)
		})
	}
}

// TestDecodeUnknownDiscriminator checks that new event kinds can be skipped
func TestDecodeUnknownDiscriminator(t *testing.T) {
	data, err := msgpack.Marshal([]interface{}{
		[]interface{}{1, 2},
		[]interface{}{9999, []interface{}{1, "future"}},
	})
	require.NoError(t, err)

	_, err = DecodeEvent(data)
	require.Error(t, err)
	assert.True(t, IsUnknownDiscriminator(err))

	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, int32(9999), decodeErr.Discriminator)
}

// TestDecodeMalformedShapes feeds structurally invalid containers
func TestDecodeMalformedShapes(t *testing.T) {
	cases := []struct {
		name  string
		value interface{}
	}{
		{"not an array", "hello"},
		{"envelope too short", []interface{}{[]interface{}{1, 2}}},
		{"envelope too long", []interface{}{[]interface{}{1, 2}, []interface{}{1, []interface{}{1, 2, 3}}, 5}},
		{"header too short", []interface{}{[]interface{}{1}, []interface{}{1, []interface{}{1, 2, 3}}}},
		{"header too long", []interface{}{[]interface{}{1, 2, 3, 4}, []interface{}{1, []interface{}{1, 2, 3}}}},
		{"header not numeric", []interface{}{[]interface{}{"a", 2}, []interface{}{1, []interface{}{1, 2, 3}}}},
		{"pid out of range", []interface{}{[]interface{}{uint64(1) << 40, 2}, []interface{}{1, []interface{}{1, 2, 3}}}},
		{"payload too short", []interface{}{[]interface{}{1, 2}, []interface{}{1}}},
		{"discriminator not numeric", []interface{}{[]interface{}{1, 2}, []interface{}{"x", []interface{}{}}}},
		{"args arity too small", []interface{}{[]interface{}{1, 2}, []interface{}{1, []interface{}{1}}}},
		{"args arity too large", []interface{}{[]interface{}{1, 2}, []interface{}{1, []interface{}{1, 2, 3, 4}}}},
		{"args nil", []interface{}{[]interface{}{1, 2}, []interface{}{20, nil}}},
		{"args wrong type", []interface{}{[]interface{}{1, 2}, []interface{}{13, []interface{}{"thread"}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := msgpack.Marshal(tc.value)
			require.NoError(t, err)

			_, err = DecodeEvent(data)
			require.Error(t, err)

			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr))
			assert.False(t, IsUnknownDiscriminator(err))
		})
	}
}

// TestDecodeRejectsOutOfRangeFields checks narrow fields are not truncated
func TestDecodeRejectsOutOfRangeFields(t *testing.T) {
	enter := int32(domain.EventMethodEnter)
	snapshots := int32(domain.EventStackTraceSnapshots)
	header := []interface{}{1, 2}

	cases := []struct {
		name string
		disc int32
		args []interface{}
	}{
		{"method token over 32 bits", enter, []interface{}{1, uint64(1) << 40, 0}},
		{"interpretation over 16 bits", enter, []interface{}{1, 2, 70000}},
		{"negative module id", enter, []interface{}{-1, 2, 0}},
		{"nested method token", snapshots, []interface{}{
			[]interface{}{
				[]interface{}{7, []interface{}{1}, []interface{}{uint64(math.MaxUint32) + 1}},
			},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := msgpack.Marshal([]interface{}{header, []interface{}{tc.disc, tc.args}})
			require.NoError(t, err)

			_, err = DecodeEvent(data)
			require.Error(t, err)
			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, tc.disc, decodeErr.Discriminator)
			assert.False(t, IsUnknownDiscriminator(err))
		})
	}

	t.Run("limits accepted", func(t *testing.T) {
		data, err := msgpack.Marshal([]interface{}{header, []interface{}{enter,
			[]interface{}{uint64(math.MaxUint64), uint64(math.MaxUint32), math.MaxUint16}}})
		require.NoError(t, err)

		env, err := DecodeEvent(data)
		require.NoError(t, err)
		assert.Equal(t, domain.MethodEnterArgs{
			ModuleID:       math.MaxUint64,
			MethodToken:    math.MaxUint32,
			Interpretation: math.MaxUint16,
		}, env.Args)
	})
}

func TestKnownEventTypesSorted(t *testing.T) {
	types := KnownEventTypes()
	assert.True(t, slices.IsSorted(types))
	assert.Equal(t, types, KnownEventTypes())
}

// TestDecodeCommandRequiresCommandID rejects commands without a command id
func TestDecodeCommandRequiresCommandID(t *testing.T) {
	data, err := msgpack.Marshal([]interface{}{
		[]interface{}{1, 2},
		[]interface{}{1, []interface{}{}},
	})
	require.NoError(t, err)

	_, err = DecodeCommand(data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

// TestDecodeTrailingBytes rejects input with data after the envelope
func TestDecodeTrailingBytes(t *testing.T) {
	data, err := EncodeEvent(domain.EventEnvelope{
		Metadata: domain.NewMetadata(1, 1),
		Args:     domain.ThreadCreateArgs{ThreadID: 1},
	})
	require.NoError(t, err)

	_, err = DecodeEvent(append(data, 0x00))
	assert.ErrorIs(t, err, ErrMalformed)
}

// TestDecodeTruncated ensures every strict prefix of a valid message fails cleanly
func TestDecodeTruncated(t *testing.T) {
	for _, args := range sampleEvents() {
		data, err := EncodeEvent(domain.EventEnvelope{Metadata: domain.NewReplyMetadata(3, 4, 5), Args: args})
		require.NoError(t, err)

		for i := 0; i < len(data); i++ {
			assert.NotPanics(t, func() {
				_, err := DecodeEvent(data[:i])
				assert.Error(t, err, "%s prefix %d", args.EventType(), i)
			})
		}
	}
}

// TestDecodeGarbageNeverPanics feeds random bytes to both decoders
func TestDecodeGarbageNeverPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	buf := make([]byte, 64)

	for i := 0; i < 5000; i++ {
		n := rng.Intn(len(buf))
		rng.Read(buf[:n])
		input := buf[:n]

		assert.NotPanics(t, func() {
			_, _ = DecodeEvent(input)
			_, _ = DecodeCommand(input)
		})
	}
}

// TestEncodeRejectsUnknownArgs guards the closed enumeration on the encode side
func TestEncodeRejectsUnknownArgs(t *testing.T) {
	_, err := EncodeEvent(domain.EventEnvelope{Metadata: domain.NewMetadata(1, 1)})
	assert.Error(t, err)

	_, err = EncodeEvent(domain.EventEnvelope{Metadata: domain.NewMetadata(1, 1), Args: unknownArgs{}})
	assert.ErrorIs(t, err, ErrUnknownDiscriminator)
}

type unknownArgs struct{}

func (unknownArgs) EventType() domain.EventType { return domain.EventType(500) }
