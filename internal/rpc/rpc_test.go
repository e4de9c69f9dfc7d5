package rpc

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/credit-meter/internal/auth"
	"github.com/example/credit-meter/internal/credit"
	"github.com/example/credit-meter/internal/exemption"
	"github.com/example/credit-meter/internal/ledger"
	"github.com/example/credit-meter/internal/reservation"
	"github.com/example/credit-meter/internal/settlement"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := ledger.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l := ledger.New(store, ledger.Options{InitialGrant: ledger.DefaultInitialGrant})
	gate := exemption.NewGate(exemption.NewStaticSource(
		exemption.Policy{AccountID: "vip", BypassMetering: true, CredentialsRegistered: true},
		exemption.Policy{AccountID: "pending-vip", BypassMetering: true},
	), 0, nil)

	return &Service{
		Reservations: reservation.NewManager(l, reservation.WithGate(gate)),
		Settlement:   settlement.NewEngine(settlement.Config{Ledger: l}),
		Ledger:       l,
		Gate:         gate,
	}
}

func dial(t *testing.T, svc CreditServiceServer, cfg ServerConfig) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(svc, cfg)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	opts := append(DialOptions(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func TestCreditService_ReserveSettle(t *testing.T) {
	client := dial(t, newTestService(t), ServerConfig{AllowUnauthenticated: true})
	ctx := context.Background()

	open, err := client.OpenReservation(ctx, &OpenReservationRequest{
		AccountID: "alice", ReservationID: "job-1", EstimatedUnits: 5, UnitCost: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), open.ReservedAmount)
	assert.Equal(t, int64(2), open.Balance)
	assert.False(t, open.Replayed)

	again, err := client.OpenReservation(ctx, &OpenReservationRequest{
		AccountID: "alice", ReservationID: "job-1", EstimatedUnits: 5, UnitCost: 2,
	})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, int64(2), again.Balance)

	settled, err := client.Settle(ctx, &SettleRequest{ReservationID: "job-1", ActualUnits: 7, UnitCost: 2})
	require.NoError(t, err)
	// clamped to the hold
	assert.Equal(t, int64(10), settled.ActualCost)
	assert.Equal(t, int64(0), settled.Refunded)
	assert.Equal(t, credit.StatusSettled, settled.Status)

	bal, err := client.GetBalance(ctx, &GetBalanceRequest{AccountID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal.Balance)
}

func TestCreditService_ErrorsRoundTrip(t *testing.T) {
	client := dial(t, newTestService(t), ServerConfig{AllowUnauthenticated: true})
	ctx := context.Background()

	_, err := client.OpenReservation(ctx, &OpenReservationRequest{AccountID: "bob", EstimatedUnits: 20, UnitCost: 1})
	var insufficient *credit.InsufficientCreditError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(12), insufficient.Balance)
	assert.Equal(t, int64(20), insufficient.Required)

	_, err = client.Settle(ctx, &SettleRequest{ReservationID: "ghost", ActualUnits: 1, UnitCost: 1})
	assert.ErrorIs(t, err, credit.ErrReservationNotFound)

	_, err = client.OpenReservation(ctx, &OpenReservationRequest{AccountID: "vip", EstimatedUnits: 1, UnitCost: 1})
	assert.ErrorIs(t, err, credit.ErrMeteringExempt)

	_, err = client.OpenReservation(ctx, &OpenReservationRequest{AccountID: "pending-vip", EstimatedUnits: 1, UnitCost: 1})
	assert.ErrorIs(t, err, credit.ErrExemptionPreconditionRequired)

	_, err = client.OpenReservation(ctx, &OpenReservationRequest{AccountID: "bob", EstimatedUnits: 0, UnitCost: 1})
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)
}

func TestCreditService_CheckExemption(t *testing.T) {
	client := dial(t, newTestService(t), ServerConfig{AllowUnauthenticated: true})
	ctx := context.Background()

	d, err := client.CheckExemption(ctx, &CheckExemptionRequest{AccountID: "vip"})
	require.NoError(t, err)
	assert.True(t, d.Exempt)
	assert.Nil(t, d.BlockedReason)

	d, err = client.CheckExemption(ctx, &CheckExemptionRequest{AccountID: "pending-vip"})
	require.NoError(t, err)
	assert.False(t, d.Exempt)
	require.NotNil(t, d.BlockedReason)
	assert.Equal(t, credit.BlockedReasonPreconditionRequired, *d.BlockedReason)
}

func TestCreditService_Auth(t *testing.T) {
	keys, err := auth.NewKeySet()
	require.NoError(t, err)
	oauth := &auth.OAuthServer{Keys: keys}
	worker := &auth.Client{ID: "tts-worker", Scopes: []string{auth.ScopeRead}}

	client := dial(t, newTestService(t), ServerConfig{Validator: oauth.Validator()})
	ctx := context.Background()

	_, err = client.GetBalance(ctx, &GetBalanceRequest{AccountID: "alice"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	tok, err := oauth.Issue(worker, nil)
	require.NoError(t, err)
	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok.AccessToken)

	bal, err := client.GetBalance(authed, &GetBalanceRequest{AccountID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(12), bal.Balance)

	_, err = client.OpenReservation(authed, &OpenReservationRequest{AccountID: "alice", EstimatedUnits: 1, UnitCost: 1})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

type panickingService struct{ CreditServiceServer }

func (panickingService) GetBalance(ctx context.Context, req *GetBalanceRequest) (*GetBalanceResponse, error) {
	panic("boom")
}

func TestCreditService_RecoversPanics(t *testing.T) {
	client := dial(t, panickingService{}, ServerConfig{AllowUnauthenticated: true})

	_, err := client.GetBalance(context.Background(), &GetBalanceRequest{AccountID: "alice"})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestCreditService_CorrelationID(t *testing.T) {
	client := dial(t, newTestService(t), ServerConfig{AllowUnauthenticated: true})

	var header metadata.MD
	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-correlation-id", "cid-123")
	_, err := client.GetBalance(ctx, &GetBalanceRequest{AccountID: "alice"}, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"cid-123"}, header.Get("x-correlation-id"))
}

func TestToStatus(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		err  error
		code codes.Code
	}{
		{credit.ErrTransientStoreConflict, codes.Unavailable},
		{credit.ErrReservationNotFound, codes.NotFound},
		{&credit.InsufficientCreditError{Balance: 1, Required: 2}, codes.ResourceExhausted},
		{context.Canceled, codes.Canceled},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, status.Code(ToStatus(ctx, tt.err)), tt.err.Error())
	}

	// internal details never leak
	st, _ := status.FromError(ToStatus(ctx, errors.New("password=hunter2")))
	assert.Equal(t, "internal_error", st.Message())
}
