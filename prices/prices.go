// Package prices holds typed forms of the price updates published on the
// /topic/prices family. Amounts are decimals so rates round-trip exactly.
package prices

import (
	"context"
	"fmt"
	"time"

	"github.com/qvcloud/pricefeed"
	"github.com/shopspring/decimal"
)

// CurrencyRate is published on /topic/prices/currency.
type CurrencyRate struct {
	CurrencyCode string          `json:"currencyCode"`
	CurrencyName string          `json:"currencyName,omitempty"`
	BuyingRate   decimal.Decimal `json:"buyingRate"`
	SellingRate  decimal.Decimal `json:"sellingRate"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Spread is the selling rate minus the buying rate.
func (r CurrencyRate) Spread() decimal.Decimal {
	return r.SellingRate.Sub(r.BuyingRate)
}

func (r CurrencyRate) Mid() decimal.Decimal {
	return r.BuyingRate.Add(r.SellingRate).Div(decimal.NewFromInt(2))
}

// StockPrice is published on /topic/prices/stocks.
type StockPrice struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name,omitempty"`
	Price         decimal.Decimal `json:"price"`
	PreviousClose decimal.Decimal `json:"previousClose"`
	Volume        int64           `json:"volume"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// ChangePercent is the move since the previous close, in percent. It is zero
// when there is no previous close.
func (p StockPrice) ChangePercent() decimal.Decimal {
	return ChangePercent(p.PreviousClose, p.Price)
}

// BondPrice is published on /topic/prices/bonds.
type BondPrice struct {
	ISIN      string          `json:"isin"`
	Name      string          `json:"name,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Yield     decimal.Decimal `json:"yield"`
	Maturity  time.Time       `json:"maturity"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// FundPrice is published on /topic/prices/funds.
type FundPrice struct {
	Code      string          `json:"code"`
	Name      string          `json:"name,omitempty"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// DerivativePrice is published on /topic/prices/derivatives.
type DerivativePrice struct {
	Symbol       string          `json:"symbol"`
	Underlying   string          `json:"underlying,omitempty"`
	Price        decimal.Decimal `json:"price"`
	OpenInterest int64           `json:"openInterest"`
	Expiry       time.Time       `json:"expiry"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// ChangePercent returns (cur-prev)/prev*100 rounded to two places.
func ChangePercent(prev, cur decimal.Decimal) decimal.Decimal {
	if prev.IsZero() {
		return decimal.Zero
	}
	return cur.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).Round(2)
}

// Decode unmarshals the event body into a T.
func Decode[T any](ev pricefeed.Event) (T, error) {
	var v T
	if err := ev.Decode(&v); err != nil {
		return v, fmt.Errorf("prices: decode %s: %w", ev.Topic(), err)
	}
	return v, nil
}

// Handle adapts a typed callback to a pricefeed.Handler. Bodies that do not
// decode into T are reported as handler errors.
func Handle[T any](fn func(context.Context, T) error) pricefeed.Handler {
	return func(ctx context.Context, ev pricefeed.Event) error {
		v, err := Decode[T](ev)
		if err != nil {
			return err
		}
		return fn(ctx, v)
	}
}

// ForClass returns an empty value of the type published for an asset class,
// for callers that decode by topic.
func ForClass(a pricefeed.AssetClass) (any, bool) {
	switch a {
	case pricefeed.Currency:
		return &CurrencyRate{}, true
	case pricefeed.Stocks:
		return &StockPrice{}, true
	case pricefeed.Bonds:
		return &BondPrice{}, true
	case pricefeed.Funds:
		return &FundPrice{}, true
	case pricefeed.Derivatives:
		return &DerivativePrice{}, true
	}
	return nil, false
}
