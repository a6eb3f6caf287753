// Package stdio layers a duplex byte channel over a child process's standard
// input and output and runs a JSON-RPC 2.0 connection on top of it. Message
// framing comes from the configured codec; message semantics belong entirely
// to the supplied handler, this package makes no assumptions about content.
package stdio

import (
	"context"
	"errors"
	"io"

	"github.com/sourcegraph/jsonrpc2"
)

// Pipe joins a writer (the child's stdin) and a reader (the child's stdout)
// into one io.ReadWriteCloser usable as a jsonrpc2 stream.
type Pipe struct {
	w io.WriteCloser
	r io.ReadCloser
}

// NewPipe creates a duplex pipe over the given halves.
func NewPipe(w io.WriteCloser, r io.ReadCloser) *Pipe {
	return &Pipe{w: w, r: r}
}

// Read reads from the child's stdout.
func (p *Pipe) Read(b []byte) (int, error) { return p.r.Read(b) }

// Write writes to the child's stdin.
func (p *Pipe) Write(b []byte) (int, error) { return p.w.Write(b) }

// Close closes both halves, reporting every failure.
func (p *Pipe) Close() error {
	return errors.Join(p.w.Close(), p.r.Close())
}

// Options configures a Server.
type Options struct {
	// Handler receives requests and notifications from the peer. Defaults to
	// a handler that rejects calls with MethodNotFound and drops
	// notifications; content interpretation is the caller's concern.
	Handler jsonrpc2.Handler

	// Codec frames messages on the wire. Defaults to the Content-Length
	// header framing (VSCodeObjectCodec).
	Codec jsonrpc2.ObjectCodec
}

// Server runs a JSON-RPC 2.0 connection over a duplex byte channel. It is
// the protocol-server instance a ServerSession owns; Close is its single
// release operation.
type Server struct {
	conn *jsonrpc2.Conn
}

// NewServer starts serving over rwc. The connection reads until rwc is
// closed or the peer disconnects.
func NewServer(ctx context.Context, rwc io.ReadWriteCloser, optFns ...func(o *Options)) *Server {
	opts := Options{
		Handler: jsonrpc2.HandlerWithError(rejectAll),
		Codec:   jsonrpc2.VSCodeObjectCodec{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	stream := jsonrpc2.NewBufferedStream(rwc, opts.Codec)
	return &Server{conn: jsonrpc2.NewConn(ctx, stream, opts.Handler)}
}

func rejectAll(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if req.Notif {
		return nil, nil
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not handled"}
}

// Call issues a request and decodes the response into result.
func (s *Server) Call(ctx context.Context, method string, params, result any) error {
	return s.conn.Call(ctx, method, params, result)
}

// Notify sends a notification (no response expected).
func (s *Server) Notify(ctx context.Context, method string, params any) error {
	return s.conn.Notify(ctx, method, params)
}

// DisconnectNotify returns a channel closed when the underlying connection
// is closed or the peer disconnects.
func (s *Server) DisconnectNotify() <-chan struct{} { return s.conn.DisconnectNotify() }

// Close releases the connection and its stream. Idempotent at the jsonrpc2
// layer; a second close reports the connection as already closed.
func (s *Server) Close() error { return s.conn.Close() }
