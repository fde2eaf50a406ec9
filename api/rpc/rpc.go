// Package rpc holds the shared plumbing of the hand-written gRPC service descriptors. Every
// method takes and returns a google.protobuf.Struct, so the services need no generated code
// and any gRPC client can call them with the well-known Struct type.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Method is the shape of every unary RPC implementation.
type Method func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// Unary builds a grpc.MethodHandler for service/method. pick selects the implementation from the
// registered server value.
func Unary(service, method string, pick func(srv interface{}) Method) grpc.MethodHandler {
	fullMethod := "/" + service + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		impl := pick(srv)
		if interceptor == nil {
			return impl(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return impl(ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// FullMethod returns the gRPC full method name of service/method.
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// Decode copies in into v using v's json tags.
func Decode(in *structpb.Struct, v interface{}) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	b, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("rpc: decode: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("rpc: decode: %w", err)
	}
	return nil
}

// Encode converts v to a Struct using v's json tags.
func Encode(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("rpc: encode: %w", err)
	}
	return out, nil
}

// Invoke calls service/method on cc with in and returns the response Struct.
func Invoke(ctx context.Context, cc grpc.ClientConnInterface, service, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, FullMethod(service, method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
