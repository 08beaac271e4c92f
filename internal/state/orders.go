package state

import (
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound   = fmt.Errorf("order not found")
	ErrOrderNotOpen    = fmt.Errorf("order not open")
	ErrNotOrderCreator = fmt.Errorf("not order creator")
)

// OrderStore holds every order ever created, open and closed alike, keyed
// by the sequential order ID. IDs start at 1 and never recycle.
//
// Not thread-safe; only accessed from the single-threaded exchange core.
type OrderStore struct {
	orders map[uint64]*Order
	nextID uint64
}

func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: make(map[uint64]*Order),
		nextID: 1,
	}
}

// Add assigns the next sequential ID to the order and stores it.
func (s *OrderStore) Add(o *Order) uint64 {
	o.ID = s.nextID
	s.nextID++
	s.orders[o.ID] = o
	return o.ID
}

// Get returns the order or ErrOrderNotFound.
func (s *OrderStore) Get(id uint64) (*Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	return o, nil
}

// Count returns how many orders have ever been created.
func (s *OrderStore) Count() uint64 {
	return s.nextID - 1
}

// Cancelled reports whether the order exists and is cancelled.
func (s *OrderStore) Cancelled(id uint64) (bool, error) {
	o, err := s.Get(id)
	if err != nil {
		return false, err
	}
	return o.Status == OrderCancelled, nil
}

// Filled reports whether the order exists and is filled.
func (s *OrderStore) Filled(id uint64) (bool, error) {
	o, err := s.Get(id)
	if err != nil {
		return false, err
	}
	return o.Status == OrderFilled, nil
}

// ByCreator returns every order a given account created, ascending by ID.
func (s *OrderStore) ByCreator(creator uuid.UUID) []*Order {
	result := make([]*Order, 0)
	for id := uint64(1); id < s.nextID; id++ {
		if o := s.orders[id]; o != nil && o.Creator == creator {
			result = append(result, o)
		}
	}
	return result
}

// Restore rebinds an order under its recorded ID during replay and
// advances the ID counter past it.
func (s *OrderStore) Restore(o *Order) {
	s.orders[o.ID] = o
	if o.ID >= s.nextID {
		s.nextID = o.ID + 1
	}
}
