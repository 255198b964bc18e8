package payment

import (
	"context"
	"fmt"
	"sync"

	"storefront/backend/internal/xid"
)

// RefundRequest asks the gateway to return money for a captured payment.
type RefundRequest struct {
	OrderID     string
	PaymentID   string
	AmountCents int64
	Reason      string
}

// RefundResult reports the gateway's decision. Success must be checked before
// any local state is touched.
type RefundResult struct {
	Success            bool
	TransactionID      string
	GatewayCode        string
	Messages           []string
	TotalRefundedCents int64
}

// Gateway is the payment provider surface the order service depends on.
type Gateway interface {
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// MemoryGateway approves every refund and remembers what it refunded. It
// backs development mode and tests.
type MemoryGateway struct {
	mu      sync.Mutex
	refunds map[string]RefundResult
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{refunds: make(map[string]RefundResult)}
}

func (g *MemoryGateway) Refund(_ context.Context, req RefundRequest) (*RefundResult, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("refund amount must be positive, got %d", req.AmountCents)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	result := RefundResult{
		Success:            true,
		TransactionID:      xid.New("rfnd"),
		GatewayCode:        "approved",
		TotalRefundedCents: req.AmountCents,
	}
	g.refunds[req.OrderID] = result
	return &result, nil
}

// Refunded reports the recorded refund for an order, if any.
func (g *MemoryGateway) Refunded(orderID string) (RefundResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	result, ok := g.refunds[orderID]
	return result, ok
}

// FailingGateway declines every refund. Tests use it to assert that local
// state stays untouched when the provider says no.
type FailingGateway struct {
	Code    string
	Message string
}

func (g FailingGateway) Refund(_ context.Context, _ RefundRequest) (*RefundResult, error) {
	code := g.Code
	if code == "" {
		code = "declined"
	}
	message := g.Message
	if message == "" {
		message = "refund declined by provider"
	}

	return &RefundResult{
		Success:     false,
		GatewayCode: code,
		Messages:    []string{message},
	}, nil
}
