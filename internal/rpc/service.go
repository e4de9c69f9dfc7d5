// Package rpc exposes the credit engine over gRPC with a JSON codec.
package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/example/credit-meter/internal/auth"
	"github.com/example/credit-meter/internal/credit"
	"github.com/example/credit-meter/internal/reservation"
)

const ServiceName = "creditmeter.v1.CreditService"

const (
	MethodOpenReservation = "/" + ServiceName + "/OpenReservation"
	MethodSettle          = "/" + ServiceName + "/Settle"
	MethodGetBalance      = "/" + ServiceName + "/GetBalance"
	MethodCheckExemption  = "/" + ServiceName + "/CheckExemption"
)

// methodScopes names the scope each method requires.
var methodScopes = map[string]string{
	MethodOpenReservation: auth.ScopeReserve,
	MethodSettle:          auth.ScopeSettle,
	MethodGetBalance:      auth.ScopeRead,
	MethodCheckExemption:  auth.ScopeRead,
}

type CreditServiceServer interface {
	OpenReservation(ctx context.Context, req *OpenReservationRequest) (*OpenReservationResponse, error)
	Settle(ctx context.Context, req *SettleRequest) (*SettleResponse, error)
	GetBalance(ctx context.Context, req *GetBalanceRequest) (*GetBalanceResponse, error)
	CheckExemption(ctx context.Context, req *CheckExemptionRequest) (*CheckExemptionResponse, error)
}

func RegisterCreditServiceServer(s grpc.ServiceRegistrar, srv CreditServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](fullMethod string, call func(CreditServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CreditServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CreditServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CreditServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "OpenReservation",
			Handler:    unaryHandler(MethodOpenReservation, CreditServiceServer.OpenReservation),
		},
		{
			MethodName: "Settle",
			Handler:    unaryHandler(MethodSettle, CreditServiceServer.Settle),
		},
		{
			MethodName: "GetBalance",
			Handler:    unaryHandler(MethodGetBalance, CreditServiceServer.GetBalance),
		},
		{
			MethodName: "CheckExemption",
			Handler:    unaryHandler(MethodCheckExemption, CreditServiceServer.CheckExemption),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "creditmeter/v1/credit.json",
}

// Service adapts the reservation, settlement, ledger and exemption
// components to CreditServiceServer.
type Service struct {
	Reservations interface {
		Open(ctx context.Context, req reservation.OpenRequest) (*reservation.OpenResult, error)
	}
	Settlement interface {
		Settle(ctx context.Context, reservationID string, actualUnits, unitCost int64) (*credit.SettlementResult, error)
	}
	Ledger interface {
		GetBalance(ctx context.Context, accountID string) (int64, error)
	}
	Gate interface {
		CheckBypass(ctx context.Context, accountID string) (credit.BypassDecision, error)
	}
}

var _ CreditServiceServer = (*Service)(nil)

func (s *Service) OpenReservation(ctx context.Context, req *OpenReservationRequest) (*OpenReservationResponse, error) {
	amount, err := reservation.ReservedAmount(req.EstimatedUnits, req.UnitCost)
	if err != nil {
		return nil, ToStatus(ctx, err)
	}
	res, err := s.Reservations.Open(ctx, reservation.OpenRequest{
		AccountID:     req.AccountID,
		ReservationID: req.ReservationID,
		Amount:        amount,
	})
	if err != nil {
		return nil, ToStatus(ctx, err)
	}
	return &OpenReservationResponse{
		ReservationID:  res.Reservation.ReservationID,
		ReservedAmount: res.Reservation.ReservedAmount,
		Balance:        res.Balance,
		Replayed:       res.Replayed,
	}, nil
}

func (s *Service) Settle(ctx context.Context, req *SettleRequest) (*SettleResponse, error) {
	res, err := s.Settlement.Settle(ctx, req.ReservationID, req.ActualUnits, req.UnitCost)
	if err != nil {
		return nil, ToStatus(ctx, err)
	}
	return &SettleResponse{
		ReservationID: res.ReservationID,
		ActualCost:    res.ActualCost,
		Refunded:      res.Refunded,
		Balance:       res.FinalBalance,
		Status:        res.Status,
	}, nil
}

func (s *Service) GetBalance(ctx context.Context, req *GetBalanceRequest) (*GetBalanceResponse, error) {
	balance, err := s.Ledger.GetBalance(ctx, req.AccountID)
	if err != nil {
		return nil, ToStatus(ctx, err)
	}
	return &GetBalanceResponse{AccountID: req.AccountID, Balance: balance}, nil
}

func (s *Service) CheckExemption(ctx context.Context, req *CheckExemptionRequest) (*CheckExemptionResponse, error) {
	d, err := s.Gate.CheckBypass(ctx, req.AccountID)
	if err != nil {
		return nil, ToStatus(ctx, err)
	}
	return &CheckExemptionResponse{AccountID: req.AccountID, Exempt: d.Exempt, BlockedReason: d.BlockedReason}, nil
}
