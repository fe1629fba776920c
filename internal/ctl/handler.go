// Package ctl provides the control server and client of a running
// recorder. Commands travel as wire envelopes over a unix socket.
package ctl

import (
	"context"
	"fmt"
	"sort"

	"github.com/xtxerr/flightrec/internal/errors"
	"github.com/xtxerr/flightrec/internal/recorder/catalog"
	"github.com/xtxerr/flightrec/internal/recorder/engine"
	"golang.org/x/sync/singleflight"
)

// Commands understood by the server.
const (
	CmdStart      = "start"
	CmdStop       = "stop"
	CmdRotate     = "rotate"
	CmdFlushpoint = "flushpoint"
	CmdClone      = "clone"
	CmdDump       = "dump"
	CmdStats      = "stats"
	CmdChunks     = "chunks"
	CmdQuery      = "query"
	CmdTotals     = "totals"
	CmdPing       = "ping"
)

// Commands lists every command with a one-line description.
var Commands = map[string]string{
	CmdStart:      "start recording",
	CmdStop:       "stop recording and finalize the chunk",
	CmdRotate:     "close the current chunk and open the next",
	CmdFlushpoint: "make buffered data readable in the current chunk",
	CmdClone:      "write an in-memory recording to a new chunk",
	CmdDump:       "write a best-effort emergency chunk",
	CmdStats:      "show recorder statistics",
	CmdChunks:     "list cataloged chunks, optionally those whose path contains a string",
	CmdQuery:      "run SQL over the chunk catalog (table " + catalog.ViewName + ")",
	CmdTotals:     "summarize the chunk catalog",
	CmdPing:       "check the server is alive",
}

// CommandNames returns the command names in order.
func CommandNames() []string {
	names := make([]string, 0, len(Commands))
	for name := range Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Recorder is the part of an engine the handler drives.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Rotate(ctx context.Context) error
	Flushpoint(ctx context.Context) error
	CloneInMemory(ctx context.Context) error
	VMError(ctx context.Context) error
	Stats() engine.Stats
	Catalog() *catalog.Catalog
}

// =============================================================================
// Handler Errors
// =============================================================================

// HandlerError represents a handler error with a wire protocol code.
type HandlerError struct {
	Code    int32 // Wire protocol code from errors.Code*
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *HandlerError) Error() string { return e.Message }

// Unwrap returns the underlying error for errors.Is/As support.
func (e *HandlerError) Unwrap() error { return e.Cause }

// Errorf creates a formatted handler error.
func Errorf(code int32, format string, args ...interface{}) *HandlerError {
	return &HandlerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// Handler
// =============================================================================

// Handler executes control commands against a recorder.
type Handler struct {
	rec Recorder

	// Identical concurrent catalog reads share one DuckDB query.
	group singleflight.Group
}

// NewHandler creates a handler for rec.
func NewHandler(rec Recorder) *Handler {
	return &Handler{rec: rec}
}

// Handle runs one command and returns its JSON-encodable result.
func (h *Handler) Handle(ctx context.Context, cmd string, args map[string]any) (any, error) {
	switch cmd {
	case CmdPing:
		return "pong", nil
	case CmdStart:
		return nil, h.rec.Start(ctx)
	case CmdStop:
		return nil, h.rec.Stop(ctx)
	case CmdRotate:
		return nil, h.rec.Rotate(ctx)
	case CmdFlushpoint:
		return nil, h.rec.Flushpoint(ctx)
	case CmdClone:
		return nil, h.rec.CloneInMemory(ctx)
	case CmdDump:
		return nil, h.rec.VMError(ctx)
	case CmdStats:
		return h.rec.Stats(), nil
	case CmdChunks:
		cat, err := h.catalog()
		if err != nil {
			return nil, err
		}
		if match, _ := args["match"].(string); match != "" {
			return cat.Find(ctx, match)
		}
		return cat.Rows(), nil
	case CmdTotals:
		cat, err := h.catalog()
		if err != nil {
			return nil, err
		}
		v, err, _ := h.group.Do(CmdTotals, func() (interface{}, error) {
			return cat.Totals(ctx)
		})
		return v, err
	case CmdQuery:
		return h.query(ctx, args)
	}
	return nil, Errorf(errors.CodeInvalidRequest, "unknown command %q", cmd)
}

func (h *Handler) catalog() (*catalog.Catalog, error) {
	cat := h.rec.Catalog()
	if cat == nil {
		return nil, Errorf(errors.CodeInvalidRequest, "catalog disabled")
	}
	return cat, nil
}

func (h *Handler) query(ctx context.Context, args map[string]any) (any, error) {
	sql, _ := args["sql"].(string)
	if sql == "" {
		return nil, &HandlerError{
			Code:    errors.CodeInvalidRequest,
			Message: "query requires sql",
			Cause:   errors.NewMissingField("sql"),
		}
	}
	cat, err := h.catalog()
	if err != nil {
		return nil, err
	}
	v, err, _ := h.group.Do(CmdQuery+":"+sql, func() (interface{}, error) {
		rows, err := cat.Query(ctx, sql)
		if rows == nil {
			rows = []map[string]any{}
		}
		return rows, err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
