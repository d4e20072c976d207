package pricefeed

import (
	"strings"
)

// AssetClass names a family of instruments the broker publishes prices for.
type AssetClass string

const (
	Currency    AssetClass = "currency"
	Stocks      AssetClass = "stocks"
	Bonds       AssetClass = "bonds"
	Funds       AssetClass = "funds"
	Derivatives AssetClass = "derivatives"
)

// PricesTopic carries every price update.
const PricesTopic = "/topic/prices"

// AssetClasses returns the known asset classes.
func AssetClasses() []AssetClass {
	return []AssetClass{Currency, Stocks, Bonds, Funds, Derivatives}
}

func (a AssetClass) Valid() bool {
	for _, c := range AssetClasses() {
		if a == c {
			return true
		}
	}
	return false
}

// AssetClassTopic returns the topic for every instrument of an asset class,
// e.g. /topic/prices/currency.
func AssetClassTopic(a AssetClass) string {
	return PricesTopic + "/" + string(a)
}

// InstrumentTopic returns the topic of a single instrument, e.g.
// /topic/prices/stocks/THYAO.
func InstrumentTopic(a AssetClass, id string) string {
	return AssetClassTopic(a) + "/" + id
}

// ParseTopic splits a price topic into its asset class and instrument id.
// Either may be empty. ok is false for topics outside /topic/prices.
func ParseTopic(topic string) (class AssetClass, id string, ok bool) {
	if topic == PricesTopic {
		return "", "", true
	}
	rest, found := strings.CutPrefix(topic, PricesTopic+"/")
	if !found || rest == "" {
		return "", "", false
	}
	cls, id, _ := strings.Cut(rest, "/")
	if strings.Contains(id, "/") {
		return "", "", false
	}
	return AssetClass(cls), id, true
}
