// Package codec implements the binary wire format shared by events and
// commands. Every message is encoded as
//
//	[header, [discriminator, args]]
//
// where header is [pid, tid] or [pid, tid, commandID] and args is the
// positional tuple of the discriminator's fields.
package codec

import (
	"bytes"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/yairfalse/runtap/pkg/domain"
)

const (
	envelopeArity = 2
	payloadArity  = 2

	stageEnvelope = "envelope"
	stageHeader   = "header"
	stagePayload  = "payload"
	stageArgs     = "args"
)

// EncodeEvent serializes an outbound event
func EncodeEvent(env domain.EventEnvelope) ([]byte, error) {
	if env.Args == nil {
		return nil, fmt.Errorf("encode event: nil args")
	}
	disc := env.Args.EventType()
	if _, ok := eventCases[disc]; !ok {
		return nil, fmt.Errorf("encode event %s: %w", disc, ErrUnknownDiscriminator)
	}

	header := []uint64{uint64(env.Metadata.ProcessID), env.Metadata.ThreadID}
	if env.Metadata.CommandID != nil {
		header = append(header, *env.Metadata.CommandID)
	}

	data, err := encode(header, int32(disc), env.Args)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", disc, err)
	}
	return data, nil
}

// EncodeCommand serializes an inbound command
func EncodeCommand(env domain.CommandEnvelope) ([]byte, error) {
	if env.Args == nil {
		return nil, fmt.Errorf("encode command: nil args")
	}
	disc := env.Args.CommandType()
	if _, ok := commandCases[disc]; !ok {
		return nil, fmt.Errorf("encode command %s: %w", disc, ErrUnknownDiscriminator)
	}

	header := []uint64{uint64(env.Metadata.ProcessID), env.Metadata.ThreadID, env.Metadata.CommandID}
	data, err := encode(header, int32(disc), env.Args)
	if err != nil {
		return nil, fmt.Errorf("encode command %s: %w", disc, err)
	}
	return data, nil
}

func encode(header []uint64, disc int32, args interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	enc.UseCompactInts(true)

	if err := enc.EncodeArrayLen(envelopeArity); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(header)); err != nil {
		return nil, err
	}
	for _, v := range header {
		if err := enc.EncodeUint(v); err != nil {
			return nil, err
		}
	}
	if err := enc.EncodeArrayLen(payloadArity); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(disc)); err != nil {
		return nil, err
	}
	if err := enc.Encode(args); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeEvent parses an event. Malformed input yields a *DecodeError.
func DecodeEvent(data []byte) (env domain.EventEnvelope, err error) {
	defer recoverDecode(&err)

	header, disc, raw, derr := decodeEnvelope(data, 2, 3)
	if derr != nil {
		return env, derr
	}
	c, ok := eventCases[domain.EventType(disc)]
	if !ok {
		return env, decodeErr(stagePayload, disc, ErrUnknownDiscriminator)
	}
	args, derr := decodeArgs(c, disc, raw)
	if derr != nil {
		return env, derr
	}

	env.Metadata = domain.NewMetadata(uint32(header[0]), header[1])
	if len(header) == 3 {
		id := header[2]
		env.Metadata.CommandID = &id
	}
	env.Args = args
	return env, nil
}

// DecodeCommand parses a command. Malformed input yields a *DecodeError.
func DecodeCommand(data []byte) (env domain.CommandEnvelope, err error) {
	defer recoverDecode(&err)

	header, disc, raw, derr := decodeEnvelope(data, 3, 3)
	if derr != nil {
		return env, derr
	}
	c, ok := commandCases[domain.CommandType(disc)]
	if !ok {
		return env, decodeErr(stagePayload, disc, ErrUnknownDiscriminator)
	}
	args, derr := decodeArgs(c, disc, raw)
	if derr != nil {
		return env, derr
	}

	env.Metadata = domain.CommandMetadata{
		ProcessID: uint32(header[0]),
		ThreadID:  header[1],
		CommandID: header[2],
	}
	env.Args = args
	return env, nil
}

// decodeEnvelope validates the outer containers and returns the header
// fields, the discriminator and the undecoded argument tuple.
func decodeEnvelope(data []byte, minHeader, maxHeader int) ([]uint64, int32, msgpack.RawMessage, error) {
	if len(data) == 0 {
		return nil, 0, nil, malformed(stageEnvelope, "empty input")
	}

	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, 0, nil, decodeErr(stageEnvelope, 0, err)
	}
	if n != envelopeArity {
		return nil, 0, nil, malformed(stageEnvelope, "expected %d elements, got %d", envelopeArity, n)
	}

	hn, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, 0, nil, decodeErr(stageHeader, 0, err)
	}
	if hn < minHeader || hn > maxHeader {
		return nil, 0, nil, malformed(stageHeader, "unexpected header length %d", hn)
	}
	header := make([]uint64, hn)
	for i := range header {
		if header[i], err = dec.DecodeUint64(); err != nil {
			return nil, 0, nil, decodeErr(stageHeader, 0, err)
		}
	}
	if header[0] > math.MaxUint32 {
		return nil, 0, nil, malformed(stageHeader, "process id %d out of range", header[0])
	}

	pn, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, 0, nil, decodeErr(stagePayload, 0, err)
	}
	if pn != payloadArity {
		return nil, 0, nil, malformed(stagePayload, "expected %d elements, got %d", payloadArity, pn)
	}
	d, err := dec.DecodeInt64()
	if err != nil {
		return nil, 0, nil, decodeErr(stagePayload, 0, err)
	}
	if d < math.MinInt32 || d > math.MaxInt32 {
		return nil, 0, nil, malformed(stagePayload, "discriminator %d out of range", d)
	}
	disc := int32(d)

	raw, err := dec.DecodeRaw()
	if err != nil {
		return nil, disc, nil, decodeErr(stageArgs, disc, err)
	}
	if r.Len() > 0 {
		return nil, disc, nil, malformed(stageEnvelope, "%d trailing bytes", r.Len())
	}
	return header, disc, raw, nil
}

func decodeArgs[A any](c argsCase[A], disc int32, raw msgpack.RawMessage) (A, error) {
	var none A

	n, err := msgpack.NewDecoder(bytes.NewReader(raw)).DecodeArrayLen()
	if err != nil {
		return none, decodeErr(stageArgs, disc, err)
	}
	if n != c.arity {
		return none, decodeErr(stageArgs, disc,
			fmt.Errorf("%w: %s expects %d fields, got %d", ErrMalformed, c.name, c.arity, n))
	}

	args, err := c.decode(raw)
	if err != nil {
		return none, decodeErr(stageArgs, disc, err)
	}
	return args, nil
}

func recoverDecode(err *error) {
	if r := recover(); r != nil {
		*err = decodeErr(stageEnvelope, 0, fmt.Errorf("%w: %v", ErrMalformed, r))
	}
}
