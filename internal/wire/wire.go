// Package wire provides protobuf message framing for the flightrec control
// protocol.
//
// Messages are length-delimited using protobuf's standard varint encoding.
// Every message is a google.protobuf.Struct envelope:
//
//	request:  {"id": 7, "cmd": "rotate", "args": {...}}
//	response: {"id": 7, "result": ...} or {"id": 7, "error": {"code": 3, "message": "..."}}
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/xtxerr/flightrec/config"
	"github.com/xtxerr/flightrec/internal/errors"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

// Envelope field names.
const (
	FieldID      = "id"
	FieldCmd     = "cmd"
	FieldArgs    = "args"
	FieldResult  = "result"
	FieldError   = "error"
	FieldCode    = "code"
	FieldMessage = "message"
)

// Reader reads length-delimited envelopes from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	maxSize int64
	mu      sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader. A maxSize of
// zero selects the default message limit.
func NewReader(r io.Reader, maxSize int64) *Reader {
	if maxSize <= 0 {
		maxSize = config.DefaultMaxMessageSize
	}
	return &Reader{r: bufio.NewReader(r), maxSize: maxSize}
}

// Read reads and unmarshals the next envelope.
// Returns an error if the message exceeds the size limit.
func (r *Reader) Read() (*structpb.Struct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	env := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{MaxSize: r.maxSize}
	if err := opts.UnmarshalFrom(r.r, env); err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	return env, nil
}

// Writer writes length-delimited envelopes to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals and writes an envelope with length prefix.
func (w *Writer) Write(env *structpb.Struct) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, env); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter, maxSize int64) *Conn {
	return &Conn{
		Reader: NewReader(rw, maxSize),
		Writer: NewWriter(rw),
	}
}

// =============================================================================
// Envelopes
// =============================================================================

// NewRequest creates a request envelope. args may be nil.
func NewRequest(id uint64, cmd string, args map[string]any) (*structpb.Struct, error) {
	env := &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldID:  structpb.NewNumberValue(float64(id)),
		FieldCmd: structpb.NewStringValue(cmd),
	}}
	if len(args) > 0 {
		a, err := structpb.NewStruct(args)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}
		env.Fields[FieldArgs] = structpb.NewStructValue(a)
	}
	return env, nil
}

// NewResult creates a response envelope carrying result. Any value that
// encodes as JSON is accepted.
func NewResult(id uint64, result any) (*structpb.Struct, error) {
	v, err := ToValue(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldID:     structpb.NewNumberValue(float64(id)),
		FieldResult: v,
	}}, nil
}

// NewError creates an error envelope with the given request ID, error code, and message.
// Error codes should be from the errors package (errors.Code*).
func NewError(id uint64, code int32, msg string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldID: structpb.NewNumberValue(float64(id)),
		FieldError: structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			FieldCode:    structpb.NewNumberValue(float64(code)),
			FieldMessage: structpb.NewStringValue(msg),
		}}),
	}}
}

// NewErrorFromErr creates an error envelope from a Go error.
// It automatically maps the error to the appropriate wire code using errors.ErrorToCode.
func NewErrorFromErr(id uint64, err error) *structpb.Struct {
	return NewError(id, errors.ErrorToCode(err), err.Error())
}

// NewErrorf creates an error envelope with a formatted message.
func NewErrorf(id uint64, code int32, format string, args ...interface{}) *structpb.Struct {
	return NewError(id, code, fmt.Sprintf(format, args...))
}

// =============================================================================
// Accessors
// =============================================================================

// ID returns the request id of env.
func ID(env *structpb.Struct) uint64 {
	return uint64(env.GetFields()[FieldID].GetNumberValue())
}

// Command returns the command of a request.
func Command(env *structpb.Struct) string {
	return env.GetFields()[FieldCmd].GetStringValue()
}

// Args returns the arguments of a request as a map. Missing arguments
// yield an empty map.
func Args(env *structpb.Struct) map[string]any {
	a := env.GetFields()[FieldArgs].GetStructValue()
	if a == nil {
		return map[string]any{}
	}
	return a.AsMap()
}

// Result returns the decoded result of a response.
func Result(env *structpb.Struct) any {
	v, ok := env.GetFields()[FieldResult]
	if !ok {
		return nil
	}
	return v.AsInterface()
}

// Error returns the error of a response as a Go error wrapping the
// sentinel of its code, or nil.
func Error(env *structpb.Struct) error {
	e := env.GetFields()[FieldError].GetStructValue()
	if e == nil {
		return nil
	}
	code := int32(e.GetFields()[FieldCode].GetNumberValue())
	msg := e.GetFields()[FieldMessage].GetStringValue()
	return fmt.Errorf("%s: %w", msg, errors.CodeToError(code))
}

// ToValue converts any JSON-encodable value into a protobuf Value.
func ToValue(v any) (*structpb.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return structpb.NewValue(generic)
}
