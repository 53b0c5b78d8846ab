package profiler

import (
	"encoding/binary"
	"math"

	"github.com/yairfalse/runtap/pkg/domain"
	"go.uber.org/zap"
)

const (
	argInfoSize   = 4
	referenceSize = 8
)

// Method identifies an instrumented method
type Method struct {
	ModuleID       uint64
	MethodToken    uint32
	Interpretation uint16

	// CapturesReturn makes the exit event carry the return value
	CapturesReturn bool
}

// Argument is one captured argument value
type Argument struct {
	Index uint16
	Value []byte

	// Reference marks a value ending with a little-endian object address that
	// is replaced by the logical id of the object before it is sent
	Reference bool

	// Load re-reads a by-ref argument. It is called at enter and again at
	// exit so the exit event reports the value the callee left behind.
	Load func() []byte
}

func (a Argument) byRef() bool {
	return a.Load != nil
}

// Frame is the context of one call between EnterMethod and Leave. It is
// owned by the calling thread and must not be shared.
type Frame struct {
	p      *Profiler
	tid    uint64
	method Method
	byRefs []Argument
	left   bool
}

// EnterMethod emits the enter event of method on thread tid and returns the
// frame that Leave is called on.
func (p *Profiler) EnterMethod(tid uint64, method Method, args []Argument) *Frame {
	frame := &Frame{p: p, tid: tid, method: method}

	if len(args) == 0 {
		_ = p.Emit(tid, domain.MethodEnterArgs{
			ModuleID:       method.ModuleID,
			MethodToken:    method.MethodToken,
			Interpretation: method.Interpretation,
		})
		return frame
	}

	values, infos := p.packArguments(tid, method, args)
	for _, arg := range args {
		if arg.byRef() {
			frame.byRefs = append(frame.byRefs, arg)
		}
	}

	_ = p.Emit(tid, domain.MethodEnterWithArgumentsArgs{
		ModuleID:       method.ModuleID,
		MethodToken:    method.MethodToken,
		Interpretation: method.Interpretation,
		ArgValues:      values,
		ArgInfos:       infos,
	})
	return frame
}

// Leave emits the exit event. Calling it twice is a no-op.
func (f *Frame) Leave(returnValue []byte) {
	if f.left {
		f.p.logger.Warn("Frame left twice",
			zap.Uint64("tid", f.tid),
			zap.Uint32("method_token", f.method.MethodToken))
		return
	}
	f.left = true

	m := f.method
	if !m.CapturesReturn && len(f.byRefs) == 0 {
		_ = f.p.Emit(f.tid, domain.MethodExitArgs{
			ModuleID:       m.ModuleID,
			MethodToken:    m.MethodToken,
			Interpretation: m.Interpretation,
		})
		return
	}

	var ret []byte
	if m.CapturesReturn {
		ret = append([]byte(nil), returnValue...)
	}
	values, infos := f.p.packArguments(f.tid, m, f.byRefs)

	_ = f.p.Emit(f.tid, domain.MethodExitWithArgumentsArgs{
		ModuleID:       m.ModuleID,
		MethodToken:    m.MethodToken,
		Interpretation: m.Interpretation,
		ReturnValue:    ret,
		ByRefValues:    values,
		ByRefInfos:     infos,
	})
}

// Tailcall emits a tail call of method. A tail call has no matching exit.
func (p *Profiler) Tailcall(tid uint64, method Method, args []Argument) {
	if len(args) == 0 {
		_ = p.Emit(tid, domain.TailcallArgs{ModuleID: method.ModuleID, MethodToken: method.MethodToken})
		return
	}

	values, infos := p.packArguments(tid, method, args)
	_ = p.Emit(tid, domain.TailcallWithArgumentsArgs{
		ModuleID:    method.ModuleID,
		MethodToken: method.MethodToken,
		ArgValues:   values,
		ArgInfos:    infos,
	})
}

// packArguments concatenates argument values and builds one info word per
// argument: index<<16 | value length, little endian. References are
// rewritten to logical ids in the copy.
func (p *Profiler) packArguments(tid uint64, method Method, args []Argument) (values, infos []byte) {
	infos = make([]byte, 0, len(args)*argInfoSize)

	for _, arg := range args {
		value := arg.Value
		if arg.byRef() {
			value = arg.Load()
		}
		if len(value) > math.MaxUint16 {
			p.logger.Warn("Argument value truncated",
				zap.Uint32("method_token", method.MethodToken),
				zap.Uint16("index", arg.Index),
				zap.Int("size", len(value)))
			value = value[:math.MaxUint16]
		}

		start := len(values)
		values = append(values, value...)
		if arg.Reference {
			p.rewriteReference(tid, method, arg.Index, values[start:])
		}

		infos = binary.LittleEndian.AppendUint32(infos, uint32(arg.Index)<<16|uint32(len(value)))
	}
	return values, infos
}

func (p *Profiler) rewriteReference(tid uint64, method Method, index uint16, value []byte) {
	if len(value) < referenceSize {
		p.logger.Warn("Reference argument too short",
			zap.Uint32("method_token", method.MethodToken),
			zap.Uint16("index", index),
			zap.Int("size", len(value)))
		return
	}

	slot := value[len(value)-referenceSize:]
	addr := binary.LittleEndian.Uint64(slot)
	if addr == 0 {
		return
	}
	id := p.TrackObject(tid, addr)
	binary.LittleEndian.PutUint64(slot, uint64(id))
}
