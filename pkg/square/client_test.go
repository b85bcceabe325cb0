package square

import (
	"context"
	"errors"
	"net/http"
	"testing"

	sq "github.com/square/square-go-sdk"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/ringorder-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/logger"
)

type fakePayments struct {
	req  *sq.CreatePaymentRequest
	resp *sq.CreatePaymentResponse
	err  error
}

func (f *fakePayments) Create(_ context.Context, req *sq.CreatePaymentRequest, _ ...sqoption.RequestOption) (*sq.CreatePaymentResponse, error) {
	f.req = req
	return f.resp, f.err
}

func testClient(api paymentsAPI) *Client {
	return &Client{payments: api, env: Sandbox, locationID: "L1", logg: logger.Nop()}
}

func squareAPIError(status int, body string) error {
	return sqcore.NewAPIError(status, errors.New(body))
}

func TestNewClientValidatesConfig(t *testing.T) {
	ctx := context.Background()
	logg := logger.Nop()
	bad := []config.SquareConfig{
		{LocationID: "L1"},
		{AccessToken: "tok"},
		{AccessToken: "tok", LocationID: "L1", Env: "prod"},
	}
	for _, cfg := range bad {
		_, err := NewClient(ctx, cfg, logg)
		require.Error(t, err, "%+v", cfg)
	}
	_, err := NewClient(ctx, config.SquareConfig{AccessToken: "tok", LocationID: "L1"}, nil)
	require.Error(t, err)

	c, err := NewClient(ctx, config.SquareConfig{AccessToken: "tok", LocationID: " L1 ", Env: "Production"}, logg)
	require.NoError(t, err)
	require.Equal(t, Production, c.Environment())
	require.Equal(t, "L1", c.LocationID())
}

func TestCreatePaymentBuildsRequest(t *testing.T) {
	id, status := "pay_1", "COMPLETED"
	api := &fakePayments{resp: &sq.CreatePaymentResponse{Payment: &sq.Payment{ID: &id, Status: &status}}}

	payment, err := testClient(api).CreatePayment(context.Background(), PaymentCreateParams{
		AmountCents:    2069,
		SourceID:       " cnon:card ",
		IdempotencyKey: "order-1",
		ReferenceID:    "order-1",
		BuyerEmail:     "ada@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, "pay_1", *payment.GetID())

	req := api.req
	require.Equal(t, "order-1", req.IdempotencyKey)
	require.Equal(t, "cnon:card", req.SourceID)
	require.Equal(t, "L1", *req.LocationID)
	require.EqualValues(t, 2069, *req.AmountMoney.Amount)
	require.EqualValues(t, "USD", *req.AmountMoney.Currency)
	require.Nil(t, req.Note)
	require.Nil(t, req.BuyerPhoneNumber)
}

func TestCreatePaymentValidatesParams(t *testing.T) {
	api := &fakePayments{}
	c := testClient(api)

	_, err := c.CreatePayment(context.Background(), PaymentCreateParams{SourceID: "cnon:card"})
	require.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
	_, err = c.CreatePayment(context.Background(), PaymentCreateParams{AmountCents: 100})
	require.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
	require.Nil(t, api.req)
}

func TestCreatePaymentGeneratesIdempotencyKey(t *testing.T) {
	api := &fakePayments{resp: &sq.CreatePaymentResponse{Payment: &sq.Payment{}}}
	_, err := testClient(api).CreatePayment(context.Background(), PaymentCreateParams{AmountCents: 100, SourceID: "cnon:card"})
	require.NoError(t, err)
	require.NotEmpty(t, api.req.IdempotencyKey)
}

func TestCreatePaymentMapsAPIErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want pkgerrors.Code
	}{
		{"auth", squareAPIError(http.StatusUnauthorized, `{"errors":[{"category":"AUTHENTICATION_ERROR","code":"UNAUTHORIZED"}]}`), pkgerrors.CodeUnauthorized},
		{"reused key", squareAPIError(http.StatusBadRequest, `{"errors":[{"category":"INVALID_REQUEST_ERROR","code":"IDEMPOTENCY_KEY_REUSED"}]}`), pkgerrors.CodeIdempotency},
		{"decline", squareAPIError(http.StatusPaymentRequired, `{"errors":[{"category":"PAYMENT_METHOD_ERROR","code":"GENERIC_DECLINE"}]}`), pkgerrors.CodeValidation},
		{"rate limited", squareAPIError(http.StatusTooManyRequests, `{}`), pkgerrors.CodeDependency},
		{"server", squareAPIError(http.StatusBadGateway, `not json`), pkgerrors.CodeDependency},
		{"transport", errors.New("connection reset"), pkgerrors.CodeDependency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := testClient(&fakePayments{err: tc.err}).CreatePayment(context.Background(), PaymentCreateParams{AmountCents: 100, SourceID: "cnon:card"})
			require.Equal(t, tc.want, pkgerrors.CodeOf(err))
		})
	}
}

func TestCodeForStatus(t *testing.T) {
	require.Equal(t, pkgerrors.CodeNotFound, codeForStatus(http.StatusNotFound))
	require.Equal(t, pkgerrors.CodeConflict, codeForStatus(http.StatusConflict))
	require.Equal(t, pkgerrors.CodeStateConflict, codeForStatus(http.StatusUnprocessableEntity))
	require.Equal(t, pkgerrors.CodeValidation, codeForStatus(http.StatusBadRequest))
}

func TestDeclineCode(t *testing.T) {
	wrapped := mapError(squareAPIError(http.StatusPaymentRequired, `{"errors":[{"category":"PAYMENT_METHOD_ERROR","code":"CVV_FAILURE"}]}`), "create payment")
	require.Equal(t, "CVV_FAILURE", DeclineCode(wrapped))
	require.Empty(t, DeclineCode(errors.New("plain")))
}

func TestOptionalTruncates(t *testing.T) {
	require.Nil(t, optional("  ", 0))
	require.Equal(t, "abc", *optional(" abcdef ", 3))
}
