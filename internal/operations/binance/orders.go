package binance

import (
	"context"
	"fmt"

	"RsiVwapBot/internal/models"
	"github.com/adshao/go-binance/v2"
	"github.com/davecgh/go-spew/spew"
	"github.com/shopspring/decimal"
)

// PlaceMarketOrder submits an immediate-execution market order. It is sent
// once: a failed order is never retried here.
func (c *BinanceClient) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.OrderFill, error) {
	var side binance.SideType
	switch req.Side {
	case models.OrderSideBuy:
		side = binance.SideTypeBuy
	case models.OrderSideSell:
		side = binance.SideTypeSell
	default:
		return nil, fmt.Errorf("unknown order side %q", req.Side)
	}

	quantity := decimal.NewFromFloat(req.Quantity)
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("order quantity must be positive, got %v", req.Quantity)
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	svc := c.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(quantity.String()).
		NewOrderRespType(binance.NewOrderRespTypeFULL)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("placing %s order for %s %s: %w", req.Side, quantity, req.Symbol, err)
	}

	if e := c.cfg.Logger.Debug(); e.Enabled() {
		e.Msgf("order response: %s", spew.Sdump(resp))
	}

	return toFill(req, resp)
}

// toFill converts an order response, deriving the average price from the
// reported fills or, failing that, from the cumulative quote quantity.
func toFill(req models.OrderRequest, resp *binance.CreateOrderResponse) (*models.OrderFill, error) {
	executed, err := decimal.NewFromString(resp.ExecutedQuantity)
	if err != nil {
		return nil, fmt.Errorf("parsing executed quantity %q: %w", resp.ExecutedQuantity, err)
	}

	fill := &models.OrderFill{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          req.Side,
		Quantity:      executed.InexactFloat64(),
		Status:        string(resp.Status),
	}

	notional := decimal.Zero
	filled := decimal.Zero
	for _, f := range resp.Fills {
		price, err := decimal.NewFromString(f.Price)
		if err != nil {
			return nil, fmt.Errorf("parsing fill price %q: %w", f.Price, err)
		}
		qty, err := decimal.NewFromString(f.Quantity)
		if err != nil {
			return nil, fmt.Errorf("parsing fill quantity %q: %w", f.Quantity, err)
		}
		notional = notional.Add(price.Mul(qty))
		filled = filled.Add(qty)
	}

	if filled.IsPositive() {
		fill.AvgPrice = notional.Div(filled).InexactFloat64()
		return fill, nil
	}

	if quote, err := decimal.NewFromString(resp.CummulativeQuoteQuantity); err == nil && executed.IsPositive() {
		fill.AvgPrice = quote.Div(executed).InexactFloat64()
	}

	return fill, nil
}

// GetBalance returns the quote asset balance of the account.
func (c *BinanceClient) GetBalance(ctx context.Context) (*models.Balance, error) {
	account, err := withRetry(ctx, c, "fetching account", func(ctx context.Context) (*binance.Account, error) {
		return c.client.NewGetAccountService().Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	balance := &models.Balance{Asset: c.cfg.QuoteAsset}
	for _, b := range account.Balances {
		if b.Asset != c.cfg.QuoteAsset {
			continue
		}
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, fmt.Errorf("parsing free %s balance %q: %w", b.Asset, b.Free, err)
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			return nil, fmt.Errorf("parsing locked %s balance %q: %w", b.Asset, b.Locked, err)
		}
		balance.Free = free.InexactFloat64()
		balance.Locked = locked.InexactFloat64()
		balance.Total = free.Add(locked).InexactFloat64()
		break
	}

	return balance, nil
}
