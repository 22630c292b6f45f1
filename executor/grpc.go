package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// rawCodec passes the wire bytes straight through instead of requiring a
// compiled protobuf message type, the generic-proxy idiom for invoking an
// arbitrary gRPC method whose schema is only known at runtime (from the
// catalog entry, not from a linked .pb.go file).
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return json.Marshal(v)
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	if p, ok := v.(*[]byte); ok {
		*p = append([]byte(nil), data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

func (rawCodec) Name() string { return "scp-raw" }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// GRPCExecutor dispatches GRPC-format calls by dialing the target address
// and invoking the fully-qualified method name carried in the operands,
// marshaling the instruction's JSON inputs straight onto the wire via
// rawCodec.
type GRPCExecutor struct{}

// NewGRPCExecutor constructs a GRPCExecutor.
func NewGRPCExecutor() *GRPCExecutor { return &GRPCExecutor{} }

func (e *GRPCExecutor) Execute(ctx context.Context, req Request) Response {
	start := time.Now()

	target, _ := req.Operands["address"].(string)
	method, _ := req.Operands["method"].(string)
	if target == "" || method == "" {
		return timed(start, nil, nil, executorErr("MISSING_OPERANDS", "gRPC executor requires operands.address and operands.method", nil))
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rawCodec{}.Name())),
	)
	if err != nil {
		return timed(start, nil, nil, executorErr("DIAL_FAILED", "failed to dial gRPC target", err))
	}
	defer conn.Close()

	payload, err := json.Marshal(req.Inputs)
	if err != nil {
		return timed(start, nil, nil, executorErr("MARSHAL_FAILED", "failed to marshal gRPC request payload", err))
	}

	var reply []byte
	if err := conn.Invoke(ctx, method, payload, &reply); err != nil {
		return timed(start, nil, []string{fmt.Sprintf("%s%s", target, method)}, executorErr("GRPC_CALL_FAILED", "gRPC invocation failed", err))
	}

	var out interface{}
	if err := json.Unmarshal(reply, &out); err != nil {
		out = string(reply)
	}
	return timed(start, out, []string{fmt.Sprintf("%s%s", target, method)}, nil)
}
