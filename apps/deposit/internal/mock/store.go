package mock

import (
	"context"
	"sync"

	"fluxt.com/apps/deposit/internal/domain"
)

// Notifier 记录所有发布的事件
type Notifier struct {
	mu     sync.Mutex
	Events []domain.CreditedEvent
	Err    error
}

func (n *Notifier) PublishCredited(_ context.Context, ev domain.CreditedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Events = append(n.Events, ev)
	return n.Err
}

func (n *Notifier) Published() []domain.CreditedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.CreditedEvent(nil), n.Events...)
}

// UserStore 内存用户库
type UserStore struct {
	mu    sync.Mutex
	Users []domain.UserAddress
	Err   error
}

var _ domain.UserStore = (*UserStore)(nil)

func (s *UserStore) Add(ua domain.UserAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Users = append(s.Users, ua)
}

func (s *UserStore) ListDepositAddresses(context.Context) ([]domain.UserAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]domain.UserAddress(nil), s.Users...), nil
}

func (s *UserStore) GetByAddress(_ context.Context, address string) (*domain.UserAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.Users {
		if u.Address == address {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (s *UserStore) GetByOwner(_ context.Context, ownerID string) (*domain.UserAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.Users {
		if u.OwnerID == ownerID {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

// Cursors 内存游标，和数据库实现一样只进不退
type Cursors struct {
	mu      sync.Mutex
	blocks  map[string]uint64
	Saves   int
	SaveErr error
}

var _ domain.CursorRepo = (*Cursors)(nil)

func NewCursors() *Cursors {
	return &Cursors{blocks: make(map[string]uint64)}
}

func (c *Cursors) GetCursor(_ context.Context, chain string) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blocks[chain]
	return b, ok, nil
}

func (c *Cursors) SaveCursor(_ context.Context, chain string, block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SaveErr != nil {
		return c.SaveErr
	}
	if cur, ok := c.blocks[chain]; ok && block < cur {
		return domain.ErrCursorRegression
	}
	c.blocks[chain] = block
	c.Saves++
	return nil
}

// Set 测试预置游标
func (c *Cursors) Set(chain string, block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[chain] = block
}

func (c *Cursors) Get(chain string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[chain]
}
