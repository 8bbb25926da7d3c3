package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"fxPilot/internal/domain"
	"fxPilot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements the ports.BrokerGateway interface using the go-binance
// library against the USD-M futures API.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	submitTimeout time.Duration

	// coidCache maps broker order ids to the client order id echoed back by
	// the venue, so HistoryDeals does not re-query the same order per deal.
	cacheMu   sync.Mutex
	coidCache map[string]string
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey        string
	SecretKey     string
	UseTestnet    bool
	Logger        ports.Logger
	SubmitTimeout time.Duration // Per-submission deadline (e.g., 5 * time.Second)
}

// New creates a new Binance gateway adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 5 * time.Second
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		submitTimeout: submitTimeout,
		coidCache:     make(map[string]string),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key invalid or lacking permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -2019, -3005, -3041, -4047:
			mappedErr = ports.ErrInsufficientFunds
		case -2022: // ReduceOnly order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -4003, -4014, -4015: // Qty/price/leverage out of range
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrNotFound
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// Ping checks connectivity to the venue API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// SubmitOrder places a market order carrying the coid as the client order
// id. A deadline bounds the call; an expired deadline maps to ErrTimeout so
// the executor can flag the submission as uncertain.
func (c *Client) SubmitOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	op := "SubmitOrder"

	submitCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(formatQty(req.Qty)).
		NewClientOrderID(req.Coid).
		Do(submitCtx)
	if err != nil {
		translated := c.handleError(ctx, err, op)
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			// The venue answered, so the outcome is definite.
			return &ports.OrderAck{Accepted: false, Reason: apiErr.Message}, translated
		}
		return nil, translated
	}

	brokerID := strconv.FormatInt(order.OrderID, 10)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)

	c.cacheMu.Lock()
	c.coidCache[brokerID] = req.Coid
	c.cacheMu.Unlock()

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": req.Symbol, "side": req.Side, "quantity": req.Qty,
		"coid": req.Coid, "brokerOrderID": brokerID,
	})

	// Protective orders ride alongside the entry as close-position orders.
	if req.SL != nil {
		if err := c.placeStop(ctx, req, futures.OrderTypeStopMarket, *req.SL); err != nil {
			c.logger.Error(ctx, err, "Failed to place protective stop after entry",
				map[string]interface{}{"coid": req.Coid, "sl": *req.SL})
		}
	}
	if req.TP != nil {
		if err := c.placeStop(ctx, req, futures.OrderTypeTakeProfitMarket, *req.TP); err != nil {
			c.logger.Error(ctx, err, "Failed to place take profit after entry",
				map[string]interface{}{"coid": req.Coid, "tp": *req.TP})
		}
	}

	return &ports.OrderAck{Accepted: true, BrokerOrderID: brokerID, AvgPrice: avgPrice}, nil
}

func (c *Client) placeStop(ctx context.Context, req ports.OrderRequest, orderType futures.OrderType, price float64) error {
	op := "PlaceProtectiveOrder"
	_, err := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side.Opposite())).
		Type(orderType).
		StopPrice(formatPrice(price)).
		ClosePosition(true).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": req.Symbol, "type": orderType, "stopPrice": price,
	})
	return nil
}

// UpdateProtectiveStops replaces the close-position protective orders for
// the side's open exposure. Nil values leave the corresponding level alone.
func (c *Client) UpdateProtectiveStops(ctx context.Context, symbol string, side domain.OrderSide, sl, tp *float64) error {
	req := ports.OrderRequest{Symbol: symbol, Side: side}
	if sl != nil {
		if err := c.placeStop(ctx, req, futures.OrderTypeStopMarket, *sl); err != nil {
			return err
		}
	}
	if tp != nil {
		if err := c.placeStop(ctx, req, futures.OrderTypeTakeProfitMarket, *tp); err != nil {
			return err
		}
	}
	return nil
}

// Cancel requests cancellation of an order. Returns (false, ErrOrderNotFound)
// when the venue no longer knows the order, which usually means it filled.
func (c *Client) Cancel(ctx context.Context, symbol, brokerOrderID string) (bool, error) {
	op := "Cancel"

	id, err := strconv.ParseInt(brokerOrderID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("%s: broker order id %q is not numeric: %w", op, brokerOrderID, ports.ErrInvalidRequest)
	}

	_, err = c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		translated := c.handleError(ctx, err, op)
		if errors.Is(translated, ports.ErrOrderNotFound) {
			return false, fmt.Errorf("%s: order %s: %w", op, brokerOrderID, ports.ErrOrderNotFound)
		}
		if errors.Is(translated, ports.ErrOrderCancelFailed) {
			// Declined, typically because the order already executed.
			return false, nil
		}
		return false, translated
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "brokerOrderID": brokerOrderID})
	return true, nil
}

// Positions returns the venue's open exposure as lots. Binance futures
// reports one net position per symbol (or two in hedge mode, one per side).
func (c *Client) Positions(ctx context.Context, symbol string) ([]domain.Lot, error) {
	op := "Positions"

	svc := c.futuresClient.NewGetPositionRiskV3Service()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	positions, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	lots := make([]domain.Lot, 0, len(positions))
	for _, pos := range positions {
		qty, err := strconv.ParseFloat(pos.PositionAmt, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("could not parse position amount %q: %w", pos.PositionAmt, err), op)
		}
		if qty == 0 {
			continue
		}
		entry, err := strconv.ParseFloat(pos.EntryPrice, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("could not parse entry price %q: %w", pos.EntryPrice, err), op)
		}

		side := domain.Buy
		if qty < 0 {
			side = domain.Sell
			qty = -qty
		}
		lots = append(lots, domain.Lot{
			ID:         fmt.Sprintf("%s:%s", pos.Symbol, pos.PositionSide),
			Symbol:     pos.Symbol,
			Side:       side,
			Qty:        qty,
			EntryPrice: entry,
			OpenTime:   time.UnixMilli(pos.UpdateTime),
		})
	}
	return lots, nil
}

// HistoryDeals returns executed trades since the given time. The
// correlation tag is recovered by resolving each trade's order id to the
// client order id it was submitted with.
func (c *Client) HistoryDeals(ctx context.Context, symbol string, since time.Time) ([]domain.Deal, error) {
	op := "HistoryDeals"

	trades, err := c.futuresClient.NewListAccountTradeService().
		Symbol(symbol).
		StartTime(since.UnixMilli()).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	deals := make([]domain.Deal, 0, len(trades))
	for _, tr := range trades {
		price, err := strconv.ParseFloat(tr.Price, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("could not parse trade price %q: %w", tr.Price, err), op)
		}
		qty, err := strconv.ParseFloat(tr.Quantity, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("could not parse trade quantity %q: %w", tr.Quantity, err), op)
		}

		brokerID := strconv.FormatInt(tr.OrderID, 10)
		coid := c.resolveCoid(ctx, symbol, tr.OrderID)

		deals = append(deals, domain.Deal{
			ID:             strconv.FormatInt(tr.ID, 10),
			OrderID:        brokerID,
			Symbol:         tr.Symbol,
			Side:           domain.OrderSide(tr.Side),
			Qty:            qty,
			Price:          price,
			Ts:             time.UnixMilli(tr.Time),
			CorrelationTag: coid,
		})
	}
	c.logger.Debug(ctx, op+" fetched", map[string]interface{}{
		"symbol": symbol, "since": since.Format(time.RFC3339), "count": len(deals),
	})
	return deals, nil
}

// resolveCoid recovers the client order id for a broker order id, caching
// results. A failed lookup returns empty; callers fall back to matching on
// the broker order id.
func (c *Client) resolveCoid(ctx context.Context, symbol string, orderID int64) string {
	brokerID := strconv.FormatInt(orderID, 10)

	c.cacheMu.Lock()
	coid, ok := c.coidCache[brokerID]
	c.cacheMu.Unlock()
	if ok {
		return coid
	}

	order, err := c.futuresClient.NewGetOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		c.logger.Debug(ctx, "Could not resolve client order id", map[string]interface{}{
			"brokerOrderID": brokerID, "error": err.Error(),
		})
		return ""
	}

	c.cacheMu.Lock()
	c.coidCache[brokerID] = order.ClientOrderID
	c.cacheMu.Unlock()
	return order.ClientOrderID
}

// GetTickerPrice retrieves the last traded price for a symbol.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetTickerPrice"
	tickers, err := c.futuresClient.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no ticker data returned for symbol %s", symbol)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(tickers[0].LastPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].LastPrice, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// GetKlines retrieves recent candlestick data for the given symbol.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	binanceKlines, err := c.futuresClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	klines := make([]*domain.Kline, 0, len(binanceKlines))
	for _, bk := range binanceKlines {
		k, err := translateKline(bk, symbol, interval)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func translateKline(bk *futures.Kline, symbol, interval string) (*domain.Kline, error) {
	open, err := strconv.ParseFloat(bk.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open %q: %w", bk.Open, err)
	}
	high, err := strconv.ParseFloat(bk.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high %q: %w", bk.High, err)
	}
	low, err := strconv.ParseFloat(bk.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low %q: %w", bk.Low, err)
	}
	closePrice, err := strconv.ParseFloat(bk.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close %q: %w", bk.Close, err)
	}
	volume, err := strconv.ParseFloat(bk.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume %q: %w", bk.Volume, err)
	}

	return &domain.Kline{
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: time.UnixMilli(bk.CloseTime),
		Symbol:    symbol,
		Interval:  interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		IsFinal:   true,
	}, nil
}

func formatQty(qty float64) string {
	return strconv.FormatFloat(qty, 'f', -1, 64)
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', -1, 64)
}
