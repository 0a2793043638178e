package api

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype spoken on the local socket.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Attachments travel inline as base64 inside JSON, so a frame must hold
// 4/3 of the payload plus the envelope. The gRPC default of 4 MiB is too
// small for the default attachment ceiling.
const (
	frameOverhead        = 1 << 20
	maxClientMessageSize = 256 << 20
)

// MessageSizeFor returns the frame limit that fits an attachment of
// maxAttachment bytes.
func MessageSizeFor(maxAttachment int64) int {
	return int(maxAttachment*4/3) + frameOverhead
}

// ServerOptions sizes the server's frame limits for maxAttachment.
func ServerOptions(maxAttachment int64) []grpc.ServerOption {
	n := MessageSizeFor(maxAttachment)
	return []grpc.ServerOption{grpc.MaxRecvMsgSize(n), grpc.MaxSendMsgSize(n)}
}

// CallOptions are the defaults every client connection should carry.
// The server enforces the real limit.
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{
		grpc.CallContentSubtype(CodecName),
		grpc.MaxCallRecvMsgSize(maxClientMessageSize),
		grpc.MaxCallSendMsgSize(maxClientMessageSize),
	}
}
