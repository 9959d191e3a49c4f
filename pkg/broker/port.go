package broker

import (
	"context"
	"errors"
	"net"

	"github.com/gregtusar/fleet/pkg/models"
)

var (
	// ErrNotConnected marks a connectivity failure talking to the provider,
	// as opposed to a well-formed negative answer.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrSymbolNotFound means the provider answered but does not know the symbol.
	ErrSymbolNotFound = errors.New("broker: symbol not found")

	// ErrOrderRejected means the provider refused an otherwise deliverable order.
	ErrOrderRejected = errors.New("broker: order rejected")
)

// IsConnectivity reports whether err should be treated as a transient
// provider connectivity failure (retry with backoff) rather than a
// business outcome.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// SymbolSpec carries the broker's contract specification for one symbol.
// PipValue is the account-currency value of one pip for one lot; currency
// conversion is the adapter's concern.
type SymbolSpec struct {
	Symbol       string
	Point        float64
	PipValue     float64
	ContractSize float64
	VolumeMin    float64
	VolumeMax    float64
	VolumeStep   float64
	StopsLevel   float64
}

type AccountSnapshot struct {
	Balance    float64
	Equity     float64
	Margin     float64
	MarginFree float64
	Currency   string
}

// MarketPort supplies price data for one account's provider session.
type MarketPort interface {
	GetPrice(ctx context.Context, symbol string) (models.PriceSample, error)
	GetHistory(ctx context.Context, symbol, timeframe string, count int) ([]models.PriceSample, error)
	GetSymbolSpec(ctx context.Context, symbol string) (SymbolSpec, error)
}

// BrokerPort executes and queries orders for one account's provider session.
type BrokerPort interface {
	PlaceOrder(ctx context.Context, req *models.OrderRequest) (ticket string, err error)
	ClosePosition(ctx context.Context, ticket string) error
	ModifyPosition(ctx context.Context, ticket string, stopLoss, takeProfit float64) error
	ListOpenPositions(ctx context.Context) ([]models.Position, error)
	GetAccountSnapshot(ctx context.Context) (AccountSnapshot, error)
}

// Port is a full provider session for one account.
type Port interface {
	MarketPort
	BrokerPort
	Connect(ctx context.Context) error
	Close() error
}
