package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/herrberki/brokagefirm/internal/ledger"
	"github.com/herrberki/brokagefirm/internal/order"
)

// MemoryOrderStore is the default order persistence: mutex-guarded maps
// holding defensive copies, so stored state only changes through Save.
type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders map[uuid.UUID]*order.Order
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[uuid.UUID]*order.Order)}
}

func (s *MemoryOrderStore) Save(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryOrderStore) FindByID(_ context.Context, id uuid.UUID) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryOrderStore) FindActive(_ context.Context) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []*order.Order
	for _, o := range s.orders {
		if o.Status.IsActive() {
			active = append(active, o.Clone())
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

func (s *MemoryOrderStore) FindByCustomer(_ context.Context, customerID uuid.UUID, limit, offset int) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var owned []*order.Order
	for _, o := range s.orders {
		if o.CustomerID == customerID {
			owned = append(owned, o.Clone())
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})
	if offset >= len(owned) {
		return nil, nil
	}
	owned = owned[offset:]
	if limit > 0 && limit < len(owned) {
		owned = owned[:limit]
	}
	return owned, nil
}

type MemoryBalanceStore struct {
	mu       sync.RWMutex
	balances map[string]*ledger.Balance
}

func NewMemoryBalanceStore() *MemoryBalanceStore {
	return &MemoryBalanceStore{balances: make(map[string]*ledger.Balance)}
}

func balanceKey(customerID uuid.UUID, assetName string) string {
	return customerID.String() + "|" + assetName
}

func (s *MemoryBalanceStore) Find(_ context.Context, customerID uuid.UUID, assetName string) (*ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bal, ok := s.balances[balanceKey(customerID, assetName)]
	if !ok {
		return nil, ledger.ErrAssetNotFound
	}
	return bal.Clone(), nil
}

func (s *MemoryBalanceStore) Save(_ context.Context, balance *ledger.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balanceKey(balance.CustomerID, balance.AssetName)] = balance.Clone()
	return nil
}

type MemoryExecutionStore struct {
	mu    sync.RWMutex
	execs []order.Execution
}

func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{}
}

func (s *MemoryExecutionStore) Save(_ context.Context, exec order.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, exec)
	return nil
}

func (s *MemoryExecutionStore) FindByOrder(_ context.Context, orderID uuid.UUID) ([]order.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []order.Execution
	for _, e := range s.execs {
		if e.BuyOrderID == orderID || e.SellOrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// All returns every execution recorded so far, oldest first.
func (s *MemoryExecutionStore) All() []order.Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]order.Execution, len(s.execs))
	copy(out, s.execs)
	return out
}
