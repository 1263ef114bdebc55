package book

import (
	"container/heap"
	"container/list"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/herrberki/brokagefirm/internal/order"
)

// Book holds the resting orders for one asset: a bid side ordered by price
// descending and an ask side ordered ascending, each price level a FIFO
// queue so arrival order breaks ties. The book itself is not locked; all
// callers serialize through the registry guard for the asset, because book
// mutation and order-status mutation must share one critical section.
type Book struct {
	asset  string
	bids   *bookSide
	asks   *bookSide
	orders map[uuid.UUID]*orderRef
}

func NewBook(asset string) *Book {
	return &Book{
		asset:  asset,
		bids:   newBookSide(true),
		asks:   newBookSide(false),
		orders: make(map[uuid.UUID]*orderRef),
	}
}

func (b *Book) Asset() string {
	return b.asset
}

// Insert appends the order to the FIFO queue at its price level, creating
// the level if absent. Re-inserting a known order id is a no-op.
func (b *Book) Insert(o *order.Order) error {
	if o == nil {
		return fmt.Errorf("order required")
	}
	if o.ID == uuid.Nil {
		return fmt.Errorf("order id required")
	}
	if _, exists := b.orders[o.ID]; exists {
		return nil
	}
	if o.RemainingSize.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	switch o.Side {
	case order.SideBuy:
		b.orders[o.ID] = b.bids.add(o)
	case order.SideSell:
		b.orders[o.ID] = b.asks.add(o)
	default:
		return fmt.Errorf("invalid side %q", o.Side)
	}
	return nil
}

// PeekBest returns the order at the front of the best price level on the
// given side, or nil when the side is empty.
func (b *Book) PeekBest(s order.Side) *order.Order {
	side := b.bids
	if s == order.SideSell {
		side = b.asks
	}
	level := side.best()
	if level == nil {
		return nil
	}
	front := level.orders.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*order.Order)
}

// Remove takes the order out of its level, deleting the level when it
// becomes empty. Reports whether the order was present.
func (b *Book) Remove(orderID uuid.UUID) bool {
	ref, ok := b.orders[orderID]
	if !ok {
		return false
	}
	ref.sideBook.remove(ref)
	delete(b.orders, orderID)
	return true
}

// Get returns the resting instance for the id, or nil. Mutations of live
// orders must go through this instance so the book and the persisted record
// cannot diverge.
func (b *Book) Get(orderID uuid.UUID) *order.Order {
	ref, ok := b.orders[orderID]
	if !ok {
		return nil
	}
	return ref.order
}

func (b *Book) Contains(orderID uuid.UUID) bool {
	_, ok := b.orders[orderID]
	return ok
}

func (b *Book) Depth(s order.Side) int {
	count := 0
	for _, ref := range b.orders {
		if ref.order.Side == s {
			count++
		}
	}
	return count
}

type orderRef struct {
	order    *order.Order
	element  *list.Element
	level    *priceLevel
	sideBook *bookSide
}

type priceLevel struct {
	price  decimal.Decimal
	key    string
	orders *list.List
	index  int
}

type bookSide struct {
	levels map[string]*priceLevel
	heap   priceHeap
}

func newBookSide(isBid bool) *bookSide {
	side := &bookSide{
		levels: make(map[string]*priceLevel),
		heap:   priceHeap{isMax: isBid},
	}
	heap.Init(&side.heap)
	return side
}

func (s *bookSide) add(o *order.Order) *orderRef {
	key := o.Price.String()
	level := s.levels[key]
	if level == nil {
		level = &priceLevel{price: o.Price, key: key, orders: list.New()}
		heap.Push(&s.heap, level)
		s.levels[key] = level
	}
	element := level.orders.PushBack(o)
	return &orderRef{order: o, element: element, level: level, sideBook: s}
}

func (s *bookSide) remove(ref *orderRef) {
	if ref == nil || ref.level == nil || ref.element == nil {
		return
	}
	ref.level.orders.Remove(ref.element)
	if ref.level.orders.Len() == 0 {
		heap.Remove(&s.heap, ref.level.index)
		delete(s.levels, ref.level.key)
	}
}

func (s *bookSide) best() *priceLevel {
	if s.heap.Len() == 0 {
		return nil
	}
	return s.heap.levels[0]
}

type priceHeap struct {
	levels []*priceLevel
	isMax  bool
}

func (h priceHeap) Len() int { return len(h.levels) }

func (h priceHeap) Less(i, j int) bool {
	cmp := h.levels[i].price.Cmp(h.levels[j].price)
	if h.isMax {
		return cmp > 0
	}
	return cmp < 0
}

func (h priceHeap) Swap(i, j int) {
	h.levels[i], h.levels[j] = h.levels[j], h.levels[i]
	h.levels[i].index = i
	h.levels[j].index = j
}

func (h *priceHeap) Push(x interface{}) {
	level := x.(*priceLevel)
	level.index = len(h.levels)
	h.levels = append(h.levels, level)
}

func (h *priceHeap) Pop() interface{} {
	old := h.levels
	n := len(old)
	item := old[n-1]
	item.index = -1
	h.levels = old[:n-1]
	return item
}
