package events

import (
	"context"
	"time"

	"log/slog"

	"github.com/herrberki/brokagefirm/internal/order"
	"github.com/herrberki/brokagefirm/libs/kafka"
)

const (
	TypeOrderCreated  = "orders.created"
	TypeOrderMatched  = "orders.matched"
	TypeOrderCanceled = "orders.canceled"
)

type Topics struct {
	OrderCreated  string
	OrderMatched  string
	OrderCanceled string
}

func DefaultTopics() Topics {
	return Topics{
		OrderCreated:  TypeOrderCreated,
		OrderMatched:  TypeOrderMatched,
		OrderCanceled: TypeOrderCanceled,
	}
}

type OrderEvent struct {
	kafka.Envelope
	OrderID       string `json:"order_id"`
	CustomerID    string `json:"customer_id"`
	AssetName     string `json:"asset_name"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	RemainingSize string `json:"remaining_size"`
	Status        string `json:"status"`
	CancelReason  string `json:"cancel_reason,omitempty"`
}

type OrderMatchedEvent struct {
	kafka.Envelope
	ExecutionID string `json:"execution_id"`
	AssetName   string `json:"asset_name"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	Value       string `json:"value"`
	ExecutedAt  string `json:"executed_at"`
}

// Emitter publishes order lifecycle events fire-and-forget: a publish
// failure is logged and never rolls back the operation that triggered it.
// A nil publisher disables publishing entirely.
type Emitter struct {
	producer kafka.Publisher
	topics   Topics
	logger   *slog.Logger
}

func NewEmitter(producer kafka.Publisher, topics Topics, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{producer: producer, topics: topics, logger: logger}
}

func (e *Emitter) OrderCreated(ctx context.Context, o *order.Order) {
	e.publishOrder(ctx, e.topics.OrderCreated, TypeOrderCreated, o)
}

func (e *Emitter) OrderCanceled(ctx context.Context, o *order.Order) {
	e.publishOrder(ctx, e.topics.OrderCanceled, TypeOrderCanceled, o)
}

func (e *Emitter) OrderMatched(ctx context.Context, exec order.Execution) {
	if e == nil || e.producer == nil {
		return
	}
	// Derived from the execution id so a retried publish of the same match
	// carries the same event id.
	eventID := kafka.DeterministicEventID(TypeOrderMatched, exec.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, TypeOrderMatched, 1, "")
	if err != nil {
		e.logger.Error("event envelope failed", "type", TypeOrderMatched, "error", err)
		return
	}
	payload := OrderMatchedEvent{
		Envelope:    env,
		ExecutionID: exec.ID.String(),
		AssetName:   exec.AssetName,
		BuyOrderID:  exec.BuyOrderID.String(),
		SellOrderID: exec.SellOrderID.String(),
		Price:       exec.Price.String(),
		Size:        exec.Size.String(),
		Value:       exec.Value.String(),
		ExecutedAt:  exec.ExecutedAt.UTC().Format(time.RFC3339Nano),
	}
	if _, _, err := e.producer.PublishJSON(ctx, e.topics.OrderMatched, exec.AssetName, payload); err != nil {
		e.logger.Error("event publish failed", "type", TypeOrderMatched, "execution_id", exec.ID, "error", err)
	}
}

func (e *Emitter) publishOrder(ctx context.Context, topic, eventType string, o *order.Order) {
	if e == nil || e.producer == nil {
		return
	}
	env, err := kafka.NewEnvelope(eventType, 1, "")
	if err != nil {
		e.logger.Error("event envelope failed", "type", eventType, "error", err)
		return
	}
	payload := OrderEvent{
		Envelope:      env,
		OrderID:       o.ID.String(),
		CustomerID:    o.CustomerID.String(),
		AssetName:     o.AssetName,
		Side:          string(o.Side),
		Price:         o.Price.String(),
		Size:          o.Size.String(),
		RemainingSize: o.RemainingSize.String(),
		Status:        string(o.Status),
		CancelReason:  o.CancelReason,
	}
	if _, _, err := e.producer.PublishJSON(ctx, topic, o.AssetName, payload); err != nil {
		e.logger.Error("event publish failed", "type", eventType, "order_id", o.ID, "error", err)
	}
}
