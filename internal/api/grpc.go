package api

import (
	"context"
	"encoding/json"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const planServiceName = "gttdesk.v1.PlanService"

// PlanServiceServer is the gRPC surface of the desk. Requests and responses
// are google.protobuf.Struct values carrying the same JSON shapes as the HTTP
// API: requests name the plan with "id" and the layer with "label".
type PlanServiceServer interface {
	ListPlans(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPlan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PlaceAll(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Scan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelAll(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkTriggered(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelLayer(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterPlanService registers srv on gs.
func RegisterPlanService(gs *grpc.Server, srv PlanServiceServer) {
	gs.RegisterService(&planServiceDesc, srv)
}

var planServiceDesc = grpc.ServiceDesc{
	ServiceName: planServiceName,
	HandlerType: (*PlanServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListPlans", PlanServiceServer.ListPlans),
		unary("GetPlan", PlanServiceServer.GetPlan),
		unary("PlaceAll", PlanServiceServer.PlaceAll),
		unary("Scan", PlanServiceServer.Scan),
		unary("CancelAll", PlanServiceServer.CancelAll),
		unary("MarkTriggered", PlanServiceServer.MarkTriggered),
		unary("CancelLayer", PlanServiceServer.CancelLayer),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gttdesk/v1/plan_service.proto",
}

// FullMethod returns the gRPC method path for a PlanService method.
func FullMethod(method string) string {
	return "/" + planServiceName + "/" + method
}

type unaryCall func(PlanServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PlanServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PlanServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// PlanService implements PlanServiceServer over a Desk.
type PlanService struct {
	desk Desk
	log  *slog.Logger
}

// NewPlanService creates a PlanService for d.
func NewPlanService(d Desk, log *slog.Logger) *PlanService {
	return &PlanService{desk: d, log: log}
}

func (s *PlanService) ListPlans(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	plans, err := s.desk.List(ctx)
	if err != nil {
		return nil, s.status(err)
	}
	return toStruct(map[string]any{"plans": plans})
}

func (s *PlanService) GetPlan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := s.desk.Get(ctx, field(in, "id"))
	if err != nil {
		return nil, s.status(err)
	}
	return toStruct(p)
}

func (s *PlanService) PlaceAll(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.result(s.desk.Place(ctx, field(in, "id")))
}

func (s *PlanService) Scan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.result(s.desk.Scan(ctx, field(in, "id")))
}

func (s *PlanService) CancelAll(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.result(s.desk.CancelAll(ctx, field(in, "id")))
}

func (s *PlanService) MarkTriggered(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.result(s.desk.MarkTriggered(ctx, field(in, "id"), field(in, "label")))
}

func (s *PlanService) CancelLayer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.result(s.desk.CancelLayer(ctx, field(in, "id"), field(in, "label")))
}

func (s *PlanService) result(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, s.status(err)
	}
	return toStruct(v)
}

func (s *PlanService) status(err error) error {
	code := grpcCode(err)
	if code == codes.Internal {
		s.log.Error("grpc request failed", "error", err)
	}
	return status.Error(code, err.Error())
}

func field(in *structpb.Struct, name string) string {
	if in == nil {
		return ""
	}
	return in.GetFields()[name].GetStringValue()
}

// toStruct converts v through its JSON form, so decimals travel as strings
// exactly as they do over HTTP.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return out, nil
}
