package settlement

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// transport is the wire-level settlement collaborator, §6 ("Settlement
// collaborator ... binding defines three operations"). Implemented
// here over gRPC; tests substitute a fake.
type transport interface {
	userNonce(ctx context.Context, addr common.Address) (*uint256.Int, error)
	userBalance(ctx context.Context, addr common.Address) (*uint256.Int, error)
	userUnlockBlock(ctx context.Context, addr common.Address) (*uint256.Int, error)
	gasPrice(ctx context.Context) (*uint256.Int, error)
	createNewTask(ctx context.Context, req createNewTaskRequest) error
}

type createNewTaskRequest struct {
	Root                  [32]byte
	DataPointer           string
	PaddedLeaves          [][32]byte
	Signatures            [][]byte
	Fees                  []*uint256.Int
	GasPrice              *uint256.Int
	FeeForAggregator      *uint256.Int
	RespondToTaskFeeLimit *uint256.Int
}

// grpcTransport calls a settlement service over gRPC, using
// google.golang.org/protobuf's structpb as the wire message — without a
// protoc toolchain to generate strongly-typed service stubs, structpb
// gives a real, already-correct proto.Message so the channel still
// speaks genuine protobuf, grounded on the billing repo's gRPC service
// boundary (internal/tee/appkey.go's fetchGRPC).
type grpcTransport struct {
	conn *grpc.ClientConn
}

func dialGRPC(target string) (*grpcTransport, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("settlement: dial %s: %w", target, err)
	}
	return &grpcTransport{conn: conn}, nil
}

func (g *grpcTransport) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, method, req, resp); err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.FailedPrecondition {
			data, _ := base64.StdEncoding.DecodeString(st.Message())
			return nil, &ErrTransactionReverted{Kind: classifyRevert(data), Data: data}
		}
		return nil, err
	}
	return resp, nil
}

func (g *grpcTransport) userNonce(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	return g.callUint256(ctx, "/settlement.Settlement/UserNonce", addr)
}

func (g *grpcTransport) userBalance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	return g.callUint256(ctx, "/settlement.Settlement/UserBalance", addr)
}

func (g *grpcTransport) userUnlockBlock(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	return g.callUint256(ctx, "/settlement.Settlement/UserUnlockBlock", addr)
}

func (g *grpcTransport) callUint256(ctx context.Context, method string, addr common.Address) (*uint256.Int, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"address": addr.Hex()})
	if err != nil {
		return nil, err
	}
	resp, err := g.invoke(ctx, method, req)
	if err != nil {
		return nil, err
	}
	v, ok := resp.Fields["value"]
	if !ok {
		return nil, fmt.Errorf("settlement: %s response missing value field", method)
	}
	return uint256.FromDecimal(v.GetStringValue())
}

func (g *grpcTransport) gasPrice(ctx context.Context) (*uint256.Int, error) {
	req, err := structpb.NewStruct(map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	resp, err := g.invoke(ctx, "/settlement.Settlement/GasPrice", req)
	if err != nil {
		return nil, err
	}
	v, ok := resp.Fields["value"]
	if !ok {
		return nil, fmt.Errorf("settlement: GasPrice response missing value field")
	}
	return uint256.FromDecimal(v.GetStringValue())
}

func (g *grpcTransport) createNewTask(ctx context.Context, req createNewTaskRequest) error {
	leaves := make([]interface{}, len(req.PaddedLeaves))
	for i, l := range req.PaddedLeaves {
		leaves[i] = base64.StdEncoding.EncodeToString(l[:])
	}
	sigs := make([]interface{}, len(req.Signatures))
	for i, s := range req.Signatures {
		sigs[i] = base64.StdEncoding.EncodeToString(s)
	}
	fees := make([]interface{}, len(req.Fees))
	for i, f := range req.Fees {
		fees[i] = f.Dec()
	}

	payload, err := structpb.NewStruct(map[string]interface{}{
		"root":                      base64.StdEncoding.EncodeToString(req.Root[:]),
		"data_pointer":              req.DataPointer,
		"padded_leaves":             leaves,
		"signatures":                sigs,
		"fees":                      fees,
		"gas_price":                 req.GasPrice.Dec(),
		"fee_for_aggregator":        req.FeeForAggregator.Dec(),
		"respond_to_task_fee_limit": req.RespondToTaskFeeLimit.Dec(),
	})
	if err != nil {
		return err
	}
	_, err = g.invoke(ctx, "/settlement.Settlement/CreateNewTask", payload)
	return err
}
