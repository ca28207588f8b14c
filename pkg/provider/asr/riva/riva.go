// Package riva provides an asr.Provider backed by an NVIDIA Riva speech server.
//
// The provider speaks the RivaSpeechRecognition/StreamingRecognize gRPC method
// directly. Messages are encoded with the protobuf wire format by hand, so no
// generated stubs are required; only the handful of fields the session pipeline
// uses are mapped.
package riva

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/MrWong99/livescribe/pkg/provider/asr"
)

// DefaultAddress is the address of a locally running Riva server.
const DefaultAddress = "localhost:50051"

const streamingRecognizeMethod = "/nvidia.riva.asr.RivaSpeechRecognition/StreamingRecognize"

var streamingRecognizeDesc = grpc.StreamDesc{
	StreamName:    "StreamingRecognize",
	ServerStreams: true,
	ClientStreams: true,
}

// ErrNotReady is returned by [Provider.Check] when the connection to the server
// is failing or shut down.
var ErrNotReady = errors.New("riva: backend not ready")

// Option is a functional option for configuring the Riva Provider.
type Option func(*Provider)

// WithDialOptions appends gRPC dial options. They are applied after the
// defaults, so a transport-credentials option here replaces the insecure
// default.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(p *Provider) {
		p.dialOpts = append(p.dialOpts, opts...)
	}
}

// WithAPIKey attaches "authorization: Bearer <key>" metadata to every stream.
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		p.apiKey = key
	}
}

// Provider implements asr.Provider over a single shared gRPC client
// connection.
type Provider struct {
	addr     string
	apiKey   string
	dialOpts []grpc.DialOption
	conn     *grpc.ClientConn
}

// New creates a Provider for the server at addr. An empty addr means
// [DefaultAddress]. The connection is established lazily on the first stream.
func New(addr string, opts ...Option) (*Provider, error) {
	if addr == "" {
		addr = DefaultAddress
	}
	p := &Provider{
		addr:     addr,
		dialOpts: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
	}
	for _, o := range opts {
		o(p)
	}
	conn, err := grpc.NewClient(addr, p.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("riva: create client for %q: %w", addr, err)
	}
	p.conn = conn
	return p, nil
}

// Addr returns the target address.
func (p *Provider) Addr() string { return p.addr }

// StreamingRecognize opens a bidirectional StreamingRecognize call.
func (p *Provider) StreamingRecognize(ctx context.Context) (asr.Stream, error) {
	if p.apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+p.apiKey)
	}
	cs, err := p.conn.NewStream(ctx, &streamingRecognizeDesc, streamingRecognizeMethod, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		return nil, fmt.Errorf("riva: open stream: %w", err)
	}
	return &stream{cs: cs}, nil
}

// Check reports whether the backend connection is usable. An idle connection
// is asked to connect and counts as ready.
func (p *Provider) Check(_ context.Context) error {
	switch st := p.conn.GetState(); st {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return fmt.Errorf("%w: %s is %s", ErrNotReady, p.addr, st)
	case connectivity.Idle:
		p.conn.Connect()
	}
	return nil
}

// Close releases the client connection. Open streams fail afterwards.
func (p *Provider) Close() error {
	return p.conn.Close()
}

var _ asr.Provider = (*Provider)(nil)

// stream adapts a grpc.ClientStream to asr.Stream.
type stream struct {
	cs grpc.ClientStream

	mu         sync.Mutex
	halfClosed bool
}

func (s *stream) Send(req asr.Request) error {
	s.mu.Lock()
	closed := s.halfClosed
	s.mu.Unlock()
	if closed {
		return asr.ErrStreamClosed
	}
	if err := s.cs.SendMsg(&frame{data: marshalRequest(req)}); err != nil {
		if errors.Is(err, io.EOF) {
			// The real status is reported by RecvMsg.
			return asr.ErrStreamClosed
		}
		return fmt.Errorf("riva: send: %w", err)
	}
	return nil
}

func (s *stream) Recv() (asr.Response, error) {
	var f frame
	if err := s.cs.RecvMsg(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return asr.Response{}, io.EOF
		}
		return asr.Response{}, fmt.Errorf("riva: recv: %w", err)
	}
	return unmarshalResponse(f.data)
}

func (s *stream) CloseSend() error {
	s.mu.Lock()
	s.halfClosed = true
	s.mu.Unlock()
	return s.cs.CloseSend()
}
