// Package remote runs gate evaluation out of process over gRPC.
//
// A homomorphic backend is usually a separate service (often on a GPU host).
// Client implements gate.Evaluator by forwarding every gate to such a
// service; Server exposes any local gate.Evaluator the same way. Messages are
// JSON-encoded; value handles travel as kind-tagged bytes through a
// ValueCodec both sides agree on.
package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/sputnik/pkg/gate"
)

// Default configuration values.
const (
	// DefaultCallTimeout bounds one gate evaluation.
	DefaultCallTimeout = 30 * time.Second

	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultMaxMessageSize leaves room for large ciphertexts (64MB).
	DefaultMaxMessageSize = 64 << 20

	// DefaultMaxRetries is the number of retries for transient failures.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the first retry delay; it doubles per attempt.
	DefaultRetryDelay = 100 * time.Millisecond
)

// Client errors.
var (
	ErrNoEndpoint    = errors.New("gate endpoint is required")
	ErrInvalidConfig = errors.New("invalid gate client configuration")
	ErrClosed        = errors.New("gate client closed")

	// ErrRejected is returned when the server refuses the operands.
	ErrRejected = errors.New("gate server rejected request")

	// ErrUnauthenticated is returned when the server refuses the token.
	ErrUnauthenticated = errors.New("gate server refused token")
)

// Config holds the configuration for the gate client.
type Config struct {
	// Endpoint is the gRPC endpoint (e.g. "fhe.example.com:7443"). Required.
	Endpoint string

	// Token is sent as x-token on every call when set.
	Token string

	// UseTLS enables TLS for the connection.
	UseTLS bool

	// CallTimeout bounds each call. Zero disables the per-call deadline.
	CallTimeout time.Duration

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// MaxRetries and RetryDelay control retries of transient failures.
	MaxRetries int
	RetryDelay time.Duration

	// Codec converts value handles for the wire. Defaults to PlainCodec.
	Codec ValueCodec

	// Logger receives retry events. Defaults to a discard logger.
	Logger *slog.Logger

	// DialOptions are appended to the client's own dial options.
	DialOptions []grpc.DialOption
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		UseTLS:           true,
		CallTimeout:      DefaultCallTimeout,
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
		MaxMessageSize:   DefaultMaxMessageSize,
		MaxRetries:       DefaultMaxRetries,
		RetryDelay:       DefaultRetryDelay,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}
	if c.KeepaliveTime <= 0 || c.KeepaliveTimeout <= 0 {
		return fmt.Errorf("%w: keepalive settings must be positive", ErrInvalidConfig)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidConfig)
	}
	if c.MaxRetries > 0 && c.RetryDelay <= 0 {
		return fmt.Errorf("%w: retry delay must be positive", ErrInvalidConfig)
	}
	return nil
}

// Client is a gate.Evaluator backed by a remote gate service.
type Client struct {
	config Config
	conn   *grpc.ClientConn
	codec  ValueCodec
	logger *slog.Logger

	calls  atomic.Uint64
	closed atomic.Bool
}

// Dial connects to the gate service.
func Dial(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepaliveTime,
			Timeout:             config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			grpc.CallContentSubtype(codecName),
		),
	}
	if config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      config.Token,
			requireTLS: config.UseTLS,
		}))
	}
	opts = append(opts, config.DialOptions...)

	//nolint:staticcheck // Dial keeps compatibility with older gRPC versions
	conn, err := grpc.Dial(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}

	codec := config.Codec
	if codec == nil {
		codec = PlainCodec{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		config: config,
		conn:   conn,
		codec:  codec,
		logger: logger.With("endpoint", config.Endpoint),
	}, nil
}

// Evaluate implements gate.Evaluator.
func (c *Client) Evaluate(ctx context.Context, g gate.Gate, key gate.Key, left, right gate.Value) (gate.Value, error) {
	req := &EvaluateRequest{Gate: g.String()}
	var err error
	if req.Key, err = c.codec.MarshalValue(key); err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	if req.Left, err = c.codec.MarshalValue(left); err != nil {
		return nil, fmt.Errorf("left: %w", err)
	}
	if !g.Unary() {
		if req.Right, err = c.codec.MarshalValue(right); err != nil {
			return nil, fmt.Errorf("right: %w", err)
		}
	}

	resp := new(EvaluateResponse)
	if err := c.invoke(ctx, methodEvaluate, req, resp); err != nil {
		return nil, err
	}
	return c.codec.UnmarshalValue(resp.Result)
}

// Encode implements gate.Evaluator. The encoding is computed by the server
// so that it matches the backend's own.
func (c *Client) Encode(v gate.Value) ([]byte, error) {
	w, err := c.codec.MarshalValue(v)
	if err != nil {
		return nil, err
	}
	resp := new(EncodeResponse)
	if err := c.invoke(context.Background(), methodEncode, &EncodeRequest{Value: w}, resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return []byte{}, nil
	}
	return resp.Data, nil
}

// Calls returns the number of RPCs attempted, retries included.
func (c *Client) Calls() uint64 {
	return c.calls.Load()
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	return c.conn.Close()
}

// invoke performs a unary call, retrying transient failures with
// exponential backoff.
func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if c.closed.Load() {
		return ErrClosed
	}

	delay := c.config.RetryDelay
	for attempt := 0; ; attempt++ {
		err := c.call(ctx, method, req, resp)
		if err == nil {
			return nil
		}
		if attempt >= c.config.MaxRetries || !isRetryableError(err) {
			return translate(err)
		}

		c.logger.Warn("gate call failed, retrying", "method", method, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	c.calls.Add(1)
	if c.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CallTimeout)
		defer cancel()
	}
	return c.conn.Invoke(ctx, method, req, resp)
}

// translate maps gRPC status errors onto package errors.
func translate(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrRejected, st.Message())
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", ErrUnauthenticated, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	}
	return err
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

// GetRequestMetadata returns the authentication metadata.
func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		tokenHeader: t.token,
	}, nil
}

// RequireTransportSecurity returns whether TLS is required.
func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}

// isRetryableError returns true if the error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.Aborted, codes.ResourceExhausted:
			return true
		}
	}
	return errors.Is(err, io.EOF)
}

var _ gate.Evaluator = (*Client)(nil)
