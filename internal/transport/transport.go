// Package transport sends gateway requests to the backend and owns the retry policy.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/and161185/convokeeper/internal/convert"
	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/gateway"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Request is one backend call.
type Request struct {
	Endpoint     string
	Token        string
	AppKey       string
	AppSignature string
	Body         []byte
}

// Response is the backend reply body.
type Response struct {
	Body []byte
}

// Transport delivers requests and reports success or a classified failure.
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// GRPC sends requests through the gateway service.
type GRPC struct {
	cc         grpc.ClientConnInterface
	log        *zap.Logger
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

// Option customizes a GRPC transport.
type Option func(*GRPC)

// WithMaxRetries bounds retries of transient failures.
func WithMaxRetries(n uint64) Option { return func(g *GRPC) { g.maxRetries = n } }

// WithBackOff replaces the exponential backoff policy.
func WithBackOff(f func() backoff.BackOff) Option { return func(g *GRPC) { g.newBackOff = f } }

// NewGRPC wraps an established client connection.
func NewGRPC(cc grpc.ClientConnInterface, log *zap.Logger, opts ...Option) *GRPC {
	if log == nil {
		log = zap.NewNop()
	}
	g := &GRPC{
		cc:         cc,
		log:        log,
		maxRetries: 4,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = time.Minute
			return b
		},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Send performs the call, retrying Unavailable and DeadlineExceeded with backoff.
func (g *GRPC) Send(ctx context.Context, req Request) (*Response, error) {
	in, err := convert.ToStruct(req.Body)
	if err != nil {
		return nil, err
	}
	pairs := []string{gateway.MDEndpoint, req.Endpoint}
	if req.Token != "" {
		pairs = append(pairs, gateway.MDAuthorization, "Bearer "+req.Token)
	}
	if req.AppKey != "" {
		pairs = append(pairs, gateway.MDAppKey, req.AppKey, gateway.MDAppSignature, req.AppSignature)
	}
	callCtx := metadata.AppendToOutgoingContext(ctx, pairs...)

	var resp *Response
	op := func() error {
		out, err := gateway.Invoke(callCtx, g.cc, in)
		if err != nil {
			mapped := mapError(err)
			if errors.Is(mapped, errs.ErrTransient) {
				return mapped
			}
			return backoff.Permanent(mapped)
		}
		body, err := convert.FromStruct(out)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp = &Response{Body: body}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(g.newBackOff(), g.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		g.log.Warn("backend call retry", zap.String("endpoint", req.Endpoint), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

// mapError translates gRPC status codes into error sentinels.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", errs.ErrTransient, err)
	}
	msg := st.Message()
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %s", errs.ErrUnauthorized, msg)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return fmt.Errorf("%w: %s", errs.ErrTransient, msg)
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", errs.ErrRateLimited, msg)
	case codes.NotFound:
		return fmt.Errorf("%w: %s", errs.ErrNotFound, msg)
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s", errs.ErrAlreadyExists, msg)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.Unimplemented:
		return fmt.Errorf("%w: %s", errs.ErrRejected, msg)
	case codes.Canceled:
		return context.Canceled
	}
	return fmt.Errorf("backend: %s: %s", st.Code(), msg)
}

// DialOptions configures Dial.
type DialOptions struct {
	CACert   string // PEM file; empty uses system roots
	Insecure bool   // skip certificate verification
	Plain    bool   // no TLS at all, for local development
}

// Dial opens a client connection to addr.
func Dial(addr string, o DialOptions) (*grpc.ClientConn, error) {
	creds, err := loadTLS(o)
	if err != nil {
		return nil, err
	}
	return grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
}

func loadTLS(o DialOptions) (credentials.TransportCredentials, error) {
	switch {
	case o.Plain:
		return insecure.NewCredentials(), nil
	case o.Insecure:
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	case o.CACert == "":
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(o.CACert)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}
