// Package ioadmin exposes a small gRPC admin surface reporting per-disk
// statistics: submitted/discarded/completed request counts,
// solicited-flush counts, and cross-cache shrink/allocation-failure
// counts. It follows the teacher's manual grpc.ServiceDesc + JSON codec
// pattern rather than protobuf codegen, since this core has no .proto
// toolchain step of its own.
package ioadmin

import (
	"context"
	"encoding/json"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/SimonWaldherr/tinysql-iocore/internal/iometrics"
)

// StatsRequest is the (empty) request for the Stats RPC.
type StatsRequest struct{}

// DiskStats mirrors one disk's iometrics.Snapshot over the wire.
type DiskStats struct {
	Name                  string `json:"name"`
	RequestsSubmittedHigh int64  `json:"requests_submitted_high"`
	RequestsSubmittedLow  int64  `json:"requests_submitted_low"`
	RequestsDiscarded     int64  `json:"requests_discarded"`
	RequestsCompleted     int64  `json:"requests_completed"`
	SolicitedFlushes      int64  `json:"solicited_flushes"`
	ShrinkEvents          int64  `json:"shrink_events"`
	AllocFailures         int64  `json:"alloc_failures"`
}

// StatsResponse reports every registered disk's current counters.
type StatsResponse struct {
	Disks []DiskStats `json:"disks"`
}

// jsonCodec ships request/response structs as plain JSON instead of
// protobuf wire format, so the admin surface needs no generated code.
type jsonCodec struct{}

func (jsonCodec) Name() string                      { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

var registerCodecOnce sync.Once

// registerCodec installs the JSON codec with grpc's global encoding
// registry exactly once, regardless of how many Services are created.
func registerCodec() {
	registerCodecOnce.Do(func() {
		encoding.RegisterCodec(jsonCodec{})
	})
}

// StatsServer is implemented by Service.
type StatsServer interface {
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

// RegisterStatsServer attaches srv to s under the iocore.Stats service
// name, using a hand-written grpc.ServiceDesc in place of protoc-generated
// registration glue.
func RegisterStatsServer(s *grpc.Server, srv StatsServer) {
	registerCodec()
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "iocore.Stats",
		HandlerType: (*StatsServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Stats", Handler: statsHandler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "iocore",
	}, srv)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatsServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/iocore.Stats/Stats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StatsServer).Stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Service implements StatsServer over a fixed set of per-disk metrics
// contexts, the same Context type iometrics.Reporter logs on a schedule.
type Service struct {
	contexts []*iometrics.Context
}

// NewService builds a Service reporting on the given contexts.
func NewService(contexts ...*iometrics.Context) *Service {
	return &Service{contexts: contexts}
}

// Stats implements StatsServer.
func (s *Service) Stats(ctx context.Context, _ *StatsRequest) (*StatsResponse, error) {
	resp := &StatsResponse{Disks: make([]DiskStats, 0, len(s.contexts))}
	for _, c := range s.contexts {
		snap := c.Snapshot()
		resp.Disks = append(resp.Disks, DiskStats{
			Name:                  snap.Name,
			RequestsSubmittedHigh: snap.RequestsSubmittedHigh,
			RequestsSubmittedLow:  snap.RequestsSubmittedLow,
			RequestsDiscarded:     snap.RequestsDiscarded,
			RequestsCompleted:     snap.RequestsCompleted,
			SolicitedFlushes:      snap.SolicitedFlushes,
			ShrinkEvents:          snap.ShrinkEvents,
			AllocFailures:         snap.AllocFailures,
		})
	}
	return resp, nil
}
