package control

import (
	"context"

	"github.com/signalsfoundry/vehicle-cosim/core"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote RunControl service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (core.Status, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/GetStatus", &emptypb.Empty{}, out, opts...); err != nil {
		return core.Status{}, err
	}
	return DecodeStatus(out), nil
}

func (c *Client) Halt(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/Halt", &emptypb.Empty{}, new(emptypb.Empty), opts...)
}

// ListRuns returns the raw run history document.
func (c *Client) ListRuns(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/ListRuns", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
