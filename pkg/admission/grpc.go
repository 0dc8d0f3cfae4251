// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package admission

import (
	"context"
	"net"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/kadirpekel/hector-gate/pkg/auth"
)

// gRPC metadata keys used at the boundary.
const (
	MetadataAuthorization = "authorization"
	MetadataAPIKey        = "x-api-key"
	MetadataRequestID     = "x-request-id"
	MetadataRetryAfter    = "retry-after"
	MetadataRemaining     = "x-ratelimit-remaining"
)

// GRPCOptions configures the gRPC interceptors.
type GRPCOptions struct {
	// ClientIPCredential uses the peer address as the credential.
	ClientIPCredential bool
}

// UnaryServerInterceptor admits each unary call. The route is the full
// method name, e.g. "/tasks.v1.Tasks/Get".
//
// The hector-gate binary serves HTTP only. Services that embed the pipeline
// install this with grpc.ChainUnaryInterceptor.
func UnaryServerInterceptor(p *Pipeline, opts GRPCOptions) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		d := admitGRPC(ctx, p, opts, info.FullMethod)
		if err := grpcStatus(ctx, d); err != nil {
			return nil, err
		}
		return handler(withDecision(ctx, d), req)
	}
}

// StreamServerInterceptor admits each stream once, when it is opened.
func StreamServerInterceptor(p *Pipeline, opts GRPCOptions) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		d := admitGRPC(ctx, p, opts, info.FullMethod)
		if err := grpcStatus(ctx, d); err != nil {
			return err
		}
		return handler(srv, &admittedStream{ServerStream: ss, ctx: withDecision(ctx, d)})
	}
}

func admitGRPC(ctx context.Context, p *Pipeline, opts GRPCOptions, method string) *Decision {
	md, _ := metadata.FromIncomingContext(ctx)

	var credential string
	if opts.ClientIPCredential {
		credential = peerIP(ctx)
	} else {
		credential = auth.ExtractCredential(firstMD(md, MetadataAuthorization))
		if credential == "" {
			credential = firstMD(md, MetadataAPIKey)
		}
	}

	ctx = ContextWithRequestID(ctx, firstMD(md, MetadataRequestID))
	return p.Admit(ctx, credential, method)
}

// GRPCCode maps a decision to a gRPC status code.
func GRPCCode(d *Decision) codes.Code {
	switch d.Reason {
	case ReasonOK:
		return codes.OK
	case ReasonAuthFailed:
		return codes.Unauthenticated
	case ReasonRateLimited:
		return codes.ResourceExhausted
	default:
		return codes.Unavailable
	}
}

// grpcStatus returns nil for admitted calls, otherwise the status error.
// Rejections for rate limiting carry a retry-after trailer in seconds.
func grpcStatus(ctx context.Context, d *Decision) error {
	_ = grpc.SetHeader(ctx, metadata.Pairs(MetadataRequestID, d.RequestID))
	if d.Result != nil {
		_ = grpc.SetHeader(ctx, metadata.Pairs(MetadataRemaining, strconv.FormatInt(d.Result.Remaining, 10)))
	}
	if d.Allowed {
		return nil
	}
	if d.Reason == ReasonRateLimited {
		_ = grpc.SetTrailer(ctx, metadata.Pairs(MetadataRetryAfter, strconv.FormatInt(d.RetryAfterSeconds(), 10)))
	}
	return status.Error(GRPCCode(d), rejectionMessages[d.Reason])
}

func withDecision(ctx context.Context, d *Decision) context.Context {
	ctx = ContextWithDecision(ctx, d)
	return auth.ContextWithIdentity(ctx, d.Identity)
}

func firstMD(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func peerIP(ctx context.Context) string {
	pr, ok := peer.FromContext(ctx)
	if !ok || pr.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(pr.Addr.String())
	if err != nil {
		return pr.Addr.String()
	}
	return host
}

type admittedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *admittedStream) Context() context.Context {
	return s.ctx
}
