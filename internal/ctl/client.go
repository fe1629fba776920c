package ctl

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/flightrec/internal/errors"
	"github.com/xtxerr/flightrec/internal/wire"
	"google.golang.org/protobuf/types/known/structpb"
)

// ClientState represents the connection state of a client.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnected
	StateClosed
)

// String returns the human-readable name of the state.
func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

var (
	ErrClientClosed = errors.New("client is closed")
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("request timeout")
)

// ClientConfig holds client configuration.
type ClientConfig struct {
	Socket         string
	MaxMessageSize int64
	RequestTimeout time.Duration
}

// Client talks to a control server.
type Client struct {
	cfg ClientConfig

	mu   sync.Mutex
	conn net.Conn
	wire *wire.Conn

	state atomic.Int32

	pendingMu sync.Mutex
	pending   map[uint64]chan *structpb.Struct
	requestID atomic.Uint64

	shutdown  chan struct{}
	closeOnce sync.Once
}

// Dial connects to the server at cfg.Socket.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", cfg.Socket)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &Client{
		cfg:      cfg,
		conn:     conn,
		wire:     wire.NewConn(conn, cfg.MaxMessageSize),
		pending:  make(map[uint64]chan *structpb.Struct),
		shutdown: make(chan struct{}),
	}
	c.state.Store(int32(StateConnected))
	go c.readLoop()
	return c, nil
}

// State returns the current state.
func (c *Client) State() ClientState { return ClientState(c.state.Load()) }

// Close closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.shutdown)
		c.mu.Lock()
		err = c.conn.Close()
		c.mu.Unlock()
	})
	return err
}

// =============================================================================
// Read Loop
// =============================================================================

func (c *Client) readLoop() {
	defer func() {
		c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected))
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	}()

	for {
		env, err := c.wire.Read()
		if err != nil {
			return
		}
		id := wire.ID(env)
		c.pendingMu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.pendingMu.Unlock()
		if ok {
			ch <- env
		}
	}
}

// =============================================================================
// Request/Response
// =============================================================================

// Do sends cmd and waits for its result.
func (c *Client) Do(ctx context.Context, cmd string, args map[string]any) (any, error) {
	if c.State() != StateConnected {
		if c.State() == StateClosed {
			return nil, ErrClientClosed
		}
		return nil, ErrNotConnected
	}

	id := c.requestID.Add(1)
	env, err := wire.NewRequest(id, cmd, args)
	if err != nil {
		return nil, err
	}

	ch := make(chan *structpb.Struct, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.mu.Lock()
	err = c.wire.Write(env)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if err := wire.Error(resp); err != nil {
			return nil, err
		}
		return wire.Result(resp), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case <-c.shutdown:
		return nil, ErrClientClosed
	}
}

// Start starts recording.
func (c *Client) Start(ctx context.Context) error {
	_, err := c.Do(ctx, CmdStart, nil)
	return err
}

// Stop stops recording.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.Do(ctx, CmdStop, nil)
	return err
}

// Rotate rotates the chunk.
func (c *Client) Rotate(ctx context.Context) error {
	_, err := c.Do(ctx, CmdRotate, nil)
	return err
}

// Flushpoint writes a flushpoint.
func (c *Client) Flushpoint(ctx context.Context) error {
	_, err := c.Do(ctx, CmdFlushpoint, nil)
	return err
}

// Query runs SQL over the chunk catalog.
func (c *Client) Query(ctx context.Context, sql string) ([]map[string]any, error) {
	res, err := c.Do(ctx, CmdQuery, map[string]any{"sql": sql})
	if err != nil {
		return nil, err
	}
	list, _ := res.([]any)
	rows := make([]map[string]any, 0, len(list))
	for _, r := range list {
		if m, ok := r.(map[string]any); ok {
			rows = append(rows, m)
		}
	}
	return rows, nil
}
