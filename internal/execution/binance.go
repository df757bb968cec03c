package execution

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"

	"github.com/rxtech-lab/gapflow/internal/logger"
	"github.com/rxtech-lab/gapflow/internal/types"
	"github.com/rxtech-lab/gapflow/pkg/errors"
)

// binancePollInterval is how often submitted orders are polled for fills.
const binancePollInterval = 2 * time.Second

// Service interfaces for mocking the Binance API.

// CreateOrderService interface for creating orders.
type CreateOrderService interface {
	Symbol(symbol string) CreateOrderService
	Side(side binance.SideType) CreateOrderService
	Type(orderType binance.OrderType) CreateOrderService
	Quantity(quantity string) CreateOrderService
	Price(price string) CreateOrderService
	StopPrice(price string) CreateOrderService
	TimeInForce(tif binance.TimeInForceType) CreateOrderService
	NewClientOrderID(id string) CreateOrderService
	Do(ctx context.Context) (*binance.CreateOrderResponse, error)
}

// GetOrderService interface for querying a single order.
type GetOrderService interface {
	Symbol(symbol string) GetOrderService
	OrigClientOrderID(id string) GetOrderService
	Do(ctx context.Context) (*binance.Order, error)
}

// CancelOrderService interface for canceling orders.
type CancelOrderService interface {
	Symbol(symbol string) CancelOrderService
	OrigClientOrderID(id string) CancelOrderService
	Do(ctx context.Context) (*binance.CancelOrderResponse, error)
}

// BinanceClient interface abstracts the Binance client for testing.
type BinanceClient interface {
	NewCreateOrderService() CreateOrderService
	NewGetOrderService() GetOrderService
	NewCancelOrderService() CancelOrderService
}

// realBinanceClient wraps the actual binance.Client.
type realBinanceClient struct {
	client *binance.Client
}

func (r *realBinanceClient) NewCreateOrderService() CreateOrderService {
	return &realCreateOrderService{service: r.client.NewCreateOrderService()}
}

func (r *realBinanceClient) NewGetOrderService() GetOrderService {
	return &realGetOrderService{service: r.client.NewGetOrderService()}
}

func (r *realBinanceClient) NewCancelOrderService() CancelOrderService {
	return &realCancelOrderService{service: r.client.NewCancelOrderService()}
}

type realCreateOrderService struct {
	service *binance.CreateOrderService
}

func (s *realCreateOrderService) Symbol(symbol string) CreateOrderService {
	s.service = s.service.Symbol(symbol)

	return s
}

func (s *realCreateOrderService) Side(side binance.SideType) CreateOrderService {
	s.service = s.service.Side(side)

	return s
}

func (s *realCreateOrderService) Type(orderType binance.OrderType) CreateOrderService {
	s.service = s.service.Type(orderType)

	return s
}

func (s *realCreateOrderService) Quantity(quantity string) CreateOrderService {
	s.service = s.service.Quantity(quantity)

	return s
}

func (s *realCreateOrderService) Price(price string) CreateOrderService {
	s.service = s.service.Price(price)

	return s
}

func (s *realCreateOrderService) StopPrice(price string) CreateOrderService {
	s.service = s.service.StopPrice(price)

	return s
}

func (s *realCreateOrderService) TimeInForce(tif binance.TimeInForceType) CreateOrderService {
	s.service = s.service.TimeInForce(tif)

	return s
}

func (s *realCreateOrderService) NewClientOrderID(id string) CreateOrderService {
	s.service = s.service.NewClientOrderID(id)

	return s
}

func (s *realCreateOrderService) Do(ctx context.Context) (*binance.CreateOrderResponse, error) {
	return s.service.Do(ctx)
}

type realGetOrderService struct {
	service *binance.GetOrderService
}

func (s *realGetOrderService) Symbol(symbol string) GetOrderService {
	s.service = s.service.Symbol(symbol)

	return s
}

func (s *realGetOrderService) OrigClientOrderID(id string) GetOrderService {
	s.service = s.service.OrigClientOrderID(id)

	return s
}

func (s *realGetOrderService) Do(ctx context.Context) (*binance.Order, error) {
	return s.service.Do(ctx)
}

type realCancelOrderService struct {
	service *binance.CancelOrderService
}

func (s *realCancelOrderService) Symbol(symbol string) CancelOrderService {
	s.service = s.service.Symbol(symbol)

	return s
}

func (s *realCancelOrderService) OrigClientOrderID(id string) CancelOrderService {
	s.service = s.service.OrigClientOrderID(id)

	return s
}

func (s *realCancelOrderService) Do(ctx context.Context) (*binance.CancelOrderResponse, error) {
	return s.service.Do(ctx)
}

// BinanceAdapterConfig holds credentials and connectivity options.
type BinanceAdapterConfig struct {
	APIKey    string
	SecretKey string
	// BaseURL overrides the default endpoint (takes precedence over UseTestnet).
	BaseURL    string
	UseTestnet bool
}

type trackedOrder struct {
	order types.OrderRequest
}

// BinanceAdapter places orders against the Binance spot API and resolves
// fills by polling order state. The order's UUID is forwarded as the client
// order ID so a restart can re-query in-flight orders without a local map of
// exchange IDs.
type BinanceAdapter struct {
	client  BinanceClient
	log     *logger.Logger
	reports chan types.ExecutionReport

	mu       sync.Mutex
	open     map[string]trackedOrder
	closed   bool
	cancel   context.CancelFunc
	pollerWG sync.WaitGroup
}

// NewBinanceAdapter creates a live adapter and starts its fill poller.
func NewBinanceAdapter(cfg BinanceAdapterConfig, log *logger.Logger) *BinanceAdapter {
	if cfg.UseTestnet {
		binance.UseTestnet = true
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	return newBinanceAdapterWithClient(&realBinanceClient{client: client}, log)
}

// newBinanceAdapterWithClient wires a custom client. Used by tests.
func newBinanceAdapterWithClient(client BinanceClient, log *logger.Logger) *BinanceAdapter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &BinanceAdapter{
		client:  client,
		log:     log,
		reports: make(chan types.ExecutionReport, reportBuffer),
		open:    make(map[string]trackedOrder),
		cancel:  cancel,
	}

	a.pollerWG.Add(1)
	go a.pollLoop(ctx)

	return a
}

// PlaceOrder submits an order to Binance and registers it with the poller.
func (a *BinanceAdapter) PlaceOrder(ctx context.Context, order types.OrderRequest) error {
	if err := order.Validate(); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrderRequest, "order validation failed", err)
	}

	var side binance.SideType

	switch order.Side {
	case types.OrderSideBuy:
		side = binance.SideTypeBuy
	case types.OrderSideSell:
		side = binance.SideTypeSell
	default:
		return errors.Newf(errors.ErrCodeInvalidOrderRequest, "unsupported order side: %s", order.Side)
	}

	service := a.client.NewCreateOrderService().
		Symbol(order.Symbol).
		Side(side).
		Quantity(strconv.FormatFloat(order.Quantity, 'f', -1, 64)).
		NewClientOrderID(order.ID)

	switch order.Type {
	case types.OrderTypeMarket:
		service = service.Type(binance.OrderTypeMarket)
	case types.OrderTypeLimit:
		service = service.Type(binance.OrderTypeLimit).
			Price(strconv.FormatFloat(order.LimitOrStopPrice, 'f', -1, 64)).
			TimeInForce(binance.TimeInForceTypeGTC)
	case types.OrderTypeStop:
		service = service.Type(binance.OrderTypeStopLossLimit).
			Price(strconv.FormatFloat(order.LimitOrStopPrice, 'f', -1, 64)).
			StopPrice(strconv.FormatFloat(order.LimitOrStopPrice, 'f', -1, 64)).
			TimeInForce(binance.TimeInForceTypeGTC)
	default:
		return errors.Newf(errors.ErrCodeInvalidOrderRequest, "unsupported order type: %s", order.Type)
	}

	if _, err := service.Do(ctx); err != nil {
		return errors.Wrap(errors.ErrCodeBrokerError, "failed to place order on Binance", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New(errors.ErrCodeBrokerError, "adapter is closed")
	}
	a.open[order.ID] = trackedOrder{order: order}

	return nil
}

// CancelOrder cancels an order by its client order ID.
func (a *BinanceAdapter) CancelOrder(ctx context.Context, orderID string) error {
	a.mu.Lock()
	tracked, ok := a.open[orderID]
	a.mu.Unlock()

	if !ok {
		return nil
	}

	_, err := a.client.NewCancelOrderService().
		Symbol(tracked.order.Symbol).
		OrigClientOrderID(orderID).
		Do(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeBrokerError, "failed to cancel order on Binance", err)
	}

	return nil
}

// Reports returns the execution report stream.
func (a *BinanceAdapter) Reports() <-chan types.ExecutionReport {
	return a.reports
}

// Close stops the poller and closes the report stream. Orders already on the
// exchange remain live; the caller flattens positions before shutdown.
func (a *BinanceAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()

		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.pollerWG.Wait()
	close(a.reports)

	return nil
}

func (a *BinanceAdapter) pollLoop(ctx context.Context) {
	defer a.pollerWG.Done()

	ticker := time.NewTicker(binancePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *BinanceAdapter) pollOnce(ctx context.Context) {
	a.mu.Lock()
	tracked := make([]trackedOrder, 0, len(a.open))
	for _, t := range a.open {
		tracked = append(tracked, t)
	}
	a.mu.Unlock()

	for _, t := range tracked {
		bo, err := a.client.NewGetOrderService().
			Symbol(t.order.Symbol).
			OrigClientOrderID(t.order.ID).
			Do(ctx)
		if err != nil {
			a.log.Warn("order status query failed",
				zap.String("order_id", t.order.ID),
				zap.Error(err),
			)

			continue
		}

		report := a.buildReport(t.order, bo)
		if !report.IsTerminal() {
			continue
		}

		a.mu.Lock()
		delete(a.open, t.order.ID)
		closed := a.closed
		a.mu.Unlock()

		if !closed {
			a.reports <- report
		}
	}
}

func (a *BinanceAdapter) buildReport(order types.OrderRequest, bo *binance.Order) types.ExecutionReport {
	executedQty, _ := strconv.ParseFloat(bo.ExecutedQuantity, 64)
	cumQuote, _ := strconv.ParseFloat(bo.CummulativeQuoteQuantity, 64)

	fillPrice := 0.0
	if executedQty > 0 {
		fillPrice = cumQuote / executedQty
	}

	return types.ExecutionReport{
		OrderID:        order.ID,
		Symbol:         order.Symbol,
		Status:         mapBinanceOrderStatus(bo.Status),
		FilledQuantity: executedQty,
		FillPrice:      fillPrice,
		Timestamp:      time.UnixMilli(bo.UpdateTime),
	}
}

// mapBinanceOrderStatus maps Binance order status to our OrderStatus type.
func mapBinanceOrderStatus(status binance.OrderStatusType) types.OrderStatus {
	switch status {
	case binance.OrderStatusTypeNew:
		return types.OrderStatusAccepted
	case binance.OrderStatusTypePartiallyFilled:
		return types.OrderStatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return types.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypePendingCancel, binance.OrderStatusTypeExpired:
		return types.OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return types.OrderStatusRejected
	default:
		return types.OrderStatusPending
	}
}

// Ensure both adapters implement Adapter.
var (
	_ Adapter = (*SimulatedAdapter)(nil)
	_ Adapter = (*BinanceAdapter)(nil)
)
