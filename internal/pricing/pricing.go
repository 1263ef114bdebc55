package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/herrberki/brokagefirm/internal/order"
)

// Kind enumerates the execution-price policies. The kind is parsed once at
// startup; an unknown name is a configuration error, not a silent fallback.
type Kind string

const (
	KindTaker           Kind = "taker"
	KindMidPoint        Kind = "midpoint"
	KindWeightedAverage Kind = "weighted_average"
)

func ParseKind(name string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(name))) {
	case KindTaker:
		return KindTaker, nil
	case KindMidPoint:
		return KindMidPoint, nil
	case KindWeightedAverage:
		return KindWeightedAverage, nil
	default:
		return "", fmt.Errorf("unknown pricing strategy %q", name)
	}
}

// Strategy decides whether a bid/ask pair is eligible to match and at what
// price the match executes.
type Strategy interface {
	Kind() Kind
	CanMatch(buy, sell *order.Order) bool
	ExecutionPrice(buy, sell *order.Order) decimal.Decimal
}

func ForKind(k Kind) Strategy {
	switch k {
	case KindMidPoint:
		return midPoint{}
	case KindWeightedAverage:
		return weightedAverage{}
	default:
		return taker{}
	}
}

// canMatch is the shared eligibility predicate: the bid must cross the ask,
// both orders must have remaining size, trade the same asset, and belong to
// different customers (self-trade prevention).
func canMatch(buy, sell *order.Order) bool {
	if buy == nil || sell == nil {
		return false
	}
	return buy.Price.GreaterThanOrEqual(sell.Price) &&
		buy.RemainingSize.IsPositive() &&
		sell.RemainingSize.IsPositive() &&
		buy.AssetName == sell.AssetName &&
		buy.CustomerID != sell.CustomerID
}

// taker executes at the resting sell side's posted price.
type taker struct{}

func (taker) Kind() Kind { return KindTaker }

func (taker) CanMatch(buy, sell *order.Order) bool { return canMatch(buy, sell) }

func (taker) ExecutionPrice(_, sell *order.Order) decimal.Decimal {
	return sell.Price
}

// midPoint executes halfway between bid and ask, rounded half-up to two
// decimal places.
type midPoint struct{}

func (midPoint) Kind() Kind { return KindMidPoint }

func (midPoint) CanMatch(buy, sell *order.Order) bool { return canMatch(buy, sell) }

func (midPoint) ExecutionPrice(buy, sell *order.Order) decimal.Decimal {
	return buy.Price.Add(sell.Price).Div(decimal.NewFromInt(2)).Round(2)
}

// weightedAverage weighs each side's price by its remaining size.
type weightedAverage struct{}

func (weightedAverage) Kind() Kind { return KindWeightedAverage }

func (weightedAverage) CanMatch(buy, sell *order.Order) bool { return canMatch(buy, sell) }

func (weightedAverage) ExecutionPrice(buy, sell *order.Order) decimal.Decimal {
	totalWeight := buy.RemainingSize.Add(sell.RemainingSize)
	weighted := buy.Price.Mul(buy.RemainingSize).Add(sell.Price.Mul(sell.RemainingSize))
	return weighted.Div(totalWeight).Round(2)
}
