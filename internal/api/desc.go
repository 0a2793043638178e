// Package api serves chat.Service to local clients over gRPC. Messages are
// plain Go structs carried by a JSON codec, so service descriptors are
// declared here instead of generated.
package api

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/MUYAHGaious/izichat/internal/attachment"
	"github.com/MUYAHGaious/izichat/internal/chat"
	"github.com/MUYAHGaious/izichat/internal/identity"
	"github.com/MUYAHGaious/izichat/internal/outbox"
	"github.com/MUYAHGaious/izichat/internal/remote"
	"github.com/MUYAHGaious/izichat/internal/store"
	intsync "github.com/MUYAHGaious/izichat/internal/sync"
	"github.com/MUYAHGaious/izichat/internal/transport"
)

const pkg = "izichat.v1."

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// unary builds a method descriptor that decodes Req, calls fn on the
// registered service S and returns its response.
func unary[S, Req, Resp any](service, method string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	name := fullMethod(service, method)
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(S)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*Req))
			})
		},
	}
}

// serverStream builds a server-streaming descriptor: one Req in, a stream
// of messages out.
func serverStream[S, Req any](method string, fn func(S, *Req, grpc.ServerStream) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    method,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(Req)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return fn(srv.(S), in, stream)
		},
	}
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	var ve *attachment.ValidationError
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.As(err, &ve), errors.Is(err, outbox.ErrEmptyMessage):
		code = codes.InvalidArgument
	case store.IsQuotaExceeded(err):
		code = codes.ResourceExhausted
	case errors.Is(err, chat.ErrNotOwner):
		code = codes.PermissionDenied
	case errors.Is(err, outbox.ErrNotRetryable), errors.Is(err, chat.ErrNoSync):
		code = codes.FailedPrecondition
	case errors.Is(err, identity.ErrNoIdentity), remote.IsUnauthorized(err):
		code = codes.Unauthenticated
	case errors.Is(err, intsync.ErrStopped), errors.Is(err, transport.ErrSessionClosed), transport.IsDisconnected(err):
		code = codes.Unavailable
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
