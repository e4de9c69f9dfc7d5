package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Client calls the credit service. Errors carrying a credit code are turned
// back into the credit package errors.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// DialOptions returns the options a connection to the service needs.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{}))}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	var trailer metadata.MD
	opts = append(opts, grpc.Trailer(&trailer))
	return FromStatus(c.cc.Invoke(ctx, method, in, out, opts...), trailer)
}

func (c *Client) OpenReservation(ctx context.Context, in *OpenReservationRequest, opts ...grpc.CallOption) (*OpenReservationResponse, error) {
	out := new(OpenReservationResponse)
	if err := c.invoke(ctx, MethodOpenReservation, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Settle(ctx context.Context, in *SettleRequest, opts ...grpc.CallOption) (*SettleResponse, error) {
	out := new(SettleResponse)
	if err := c.invoke(ctx, MethodSettle, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetBalance(ctx context.Context, in *GetBalanceRequest, opts ...grpc.CallOption) (*GetBalanceResponse, error) {
	out := new(GetBalanceResponse)
	if err := c.invoke(ctx, MethodGetBalance, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CheckExemption(ctx context.Context, in *CheckExemptionRequest, opts ...grpc.CallOption) (*CheckExemptionResponse, error) {
	out := new(CheckExemptionResponse)
	if err := c.invoke(ctx, MethodCheckExemption, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
