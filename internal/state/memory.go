package state

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

var errWrongType = errors.New("state: operation against a key holding the wrong kind of value")

type memoryItem struct {
	str       *string
	list      []string
	hash      map[string]string
	expiresAt time.Time
}

// MemoryStore is a concurrency-safe, single-process Store. It backs tests and
// single-node development runs where no Redis server is available.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*memoryItem
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*memoryItem),
		now:   time.Now,
	}
}

// SetClock replaces the clock used for expiry.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// lookup returns a live item, evicting it when expired. Caller holds mu.
func (m *MemoryStore) lookup(key string) *memoryItem {
	item, ok := m.items[key]
	if !ok {
		return nil
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return nil
	}
	return item
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.lookup(key)
	if item == nil {
		return "", ErrNil
	}
	if item.str == nil {
		return "", errWrongType
	}
	return *item.str, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := value
	m.items[key] = &memoryItem{str: &v}
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lookup(key) != nil {
		return false, nil
	}
	v := value
	item := &memoryItem{str: &v}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = item
	return true, nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, key := range keys {
		if m.lookup(key) != nil {
			delete(m.items, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DelIfEqual(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.lookup(key)
	if item == nil || item.str == nil || *item.str != value {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(key) != nil, nil
}

func (m *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key := range m.items {
		if m.lookup(key) == nil {
			continue
		}
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrBy(key, n)
}

func (m *MemoryStore) incrBy(key string, n int64) (int64, error) {
	var current int64
	if item := m.lookup(key); item != nil {
		if item.str == nil {
			return 0, errWrongType
		}
		v, err := strconv.ParseInt(*item.str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("state: value at %s is not an integer", key)
		}
		current = v
	}
	current += n
	s := strconv.FormatInt(current, 10)
	m.items[key] = &memoryItem{str: &s}
	return current, nil
}

func (m *MemoryStore) listFor(key string, create bool) (*memoryItem, error) {
	item := m.lookup(key)
	if item == nil {
		if !create {
			return nil, nil
		}
		item = &memoryItem{list: []string{}}
		m.items[key] = item
	}
	if item.list == nil {
		return nil, errWrongType
	}
	return item, nil
}

func (m *MemoryStore) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lpush(key, values...)
}

func (m *MemoryStore) lpush(key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	item, err := m.listFor(key, true)
	if err != nil {
		return err
	}
	head := make([]string, 0, len(values)+len(item.list))
	for i := len(values) - 1; i >= 0; i-- {
		head = append(head, values[i])
	}
	item.list = append(head, item.list...)
	return nil
}

func (m *MemoryStore) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(values) == 0 {
		return nil
	}
	item, err := m.listFor(key, true)
	if err != nil {
		return err
	}
	item.list = append(item.list, values...)
	return nil
}

func (m *MemoryStore) LPop(_ context.Context, key string, count int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.listFor(key, false)
	if err != nil || item == nil || count <= 0 {
		return nil, err
	}
	if count > len(item.list) {
		count = len(item.list)
	}
	popped := append([]string(nil), item.list[:count]...)
	item.list = item.list[count:]
	if len(item.list) == 0 {
		delete(m.items, key)
	}
	return popped, nil
}

func (m *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.listFor(key, false)
	if err != nil || item == nil {
		return 0, err
	}
	return int64(len(item.list)), nil
}

// listBounds converts Redis-style inclusive indexes (negative counts from the end).
func listBounds(length int, start, stop int64) (int, int, bool) {
	n := int64(length)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return int(start), int(stop) + 1, true
}

func (m *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.listFor(key, false)
	if err != nil || item == nil {
		return []string{}, err
	}
	from, to, ok := listBounds(len(item.list), start, stop)
	if !ok {
		return []string{}, nil
	}
	return append([]string(nil), item.list[from:to]...), nil
}

func (m *MemoryStore) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ltrim(key, start, stop)
}

func (m *MemoryStore) ltrim(key string, start, stop int64) error {
	item, err := m.listFor(key, false)
	if err != nil || item == nil {
		return err
	}
	from, to, ok := listBounds(len(item.list), start, stop)
	if !ok {
		delete(m.items, key)
		return nil
	}
	item.list = append([]string(nil), item.list[from:to]...)
	return nil
}

func (m *MemoryStore) hashFor(key string, create bool) (*memoryItem, error) {
	item := m.lookup(key)
	if item == nil {
		if !create {
			return nil, nil
		}
		item = &memoryItem{hash: make(map[string]string)}
		m.items[key] = item
	}
	if item.hash == nil {
		return nil, errWrongType
	}
	return item, nil
}

func (m *MemoryStore) HIncrBy(_ context.Context, key, field string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hincrBy(key, field, n)
}

func (m *MemoryStore) hincrBy(key, field string, n int64) (int64, error) {
	item, err := m.hashFor(key, true)
	if err != nil {
		return 0, err
	}
	var current int64
	if raw, ok := item.hash[field]; ok {
		current, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("state: hash field %s.%s is not an integer", key, field)
		}
	}
	current += n
	item.hash[field] = strconv.FormatInt(current, 10)
	return current, nil
}

func (m *MemoryStore) HSet(_ context.Context, key string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(values) == 0 {
		return nil
	}
	item, err := m.hashFor(key, true)
	if err != nil {
		return err
	}
	for field, value := range values {
		item.hash[field] = value
	}
	return nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string)
	item, err := m.hashFor(key, false)
	if err != nil || item == nil {
		return out, err
	}
	for field, value := range item.hash {
		out[field] = value
	}
	return out, nil
}

func (m *MemoryStore) CountMiss(_ context.Context, req MissRequest) (MissVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMS := req.Now.UnixMilli()
	if item := m.lookup(KeyPauseUntil); item != nil && item.str != nil {
		if until, err := strconv.ParseInt(*item.str, 10, 64); err == nil && nowMS < until {
			return MissVerdict{Paused: true, PauseUntilMS: until}, nil
		}
	}

	count, err := m.incrBy(KeyConsecutiveMisses, 1)
	if err != nil {
		return MissVerdict{}, err
	}
	id := strconv.FormatInt(req.ID, 10)
	if m.lookup(KeyMissStartID) == nil {
		m.setString(KeyMissStartID, id)
	}
	m.setString(KeyLastErrorID, id)

	startItem := m.items[KeyMissStartID]
	if startItem.str == nil {
		return MissVerdict{}, errWrongType
	}
	start, err := strconv.ParseInt(*startItem.str, 10, 64)
	if err != nil {
		return MissVerdict{}, fmt.Errorf("state: value at %s is not an integer", KeyMissStartID)
	}

	verdict := MissVerdict{Count: count, StreakStart: start}
	if count < req.Limit {
		return verdict, nil
	}

	until := nowMS + req.Pause.Milliseconds()
	m.setString(KeyPauseUntil, strconv.FormatInt(until, 10))
	m.setString(KeyNextID, strconv.FormatInt(start-1, 10))
	delete(m.items, KeyConsecutiveMisses)
	delete(m.items, KeyMissStartID)

	verdict.Tripped = true
	verdict.PauseUntilMS = until
	return verdict, nil
}

// setString stores a plain value without expiry. Caller holds mu.
func (m *MemoryStore) setString(key, value string) {
	m.items[key] = &memoryItem{str: &value}
}

// Atomic applies every queued write under one lock acquisition.
func (m *MemoryStore) Atomic(_ context.Context, fn func(tx Tx)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{store: m}
	fn(tx)
	return tx.err
}

func (m *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	store *MemoryStore
	err   error
}

func (t *memoryTx) IncrBy(key string, n int64) {
	if t.err == nil {
		_, t.err = t.store.incrBy(key, n)
	}
}

func (t *memoryTx) HIncrBy(key, field string, n int64) {
	if t.err == nil {
		_, t.err = t.store.hincrBy(key, field, n)
	}
}

func (t *memoryTx) LPush(key string, values ...string) {
	if t.err == nil {
		t.err = t.store.lpush(key, values...)
	}
}

func (t *memoryTx) LTrim(key string, start, stop int64) {
	if t.err == nil {
		t.err = t.store.ltrim(key, start, stop)
	}
}
