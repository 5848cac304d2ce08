package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps ledger state in process. Row locks are channel
// semaphores so that waiting honours context cancellation; writes are
// buffered per transaction and applied on commit, where unique constraints
// are checked.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]Account
	byUser    map[string]string
	byTag     map[string]string
	entries   []Entry
	entryByID map[string]int
	byAccount map[string][]int
	payments  map[string]Payment
	orders    map[string]Order
	seq       int64

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]Account),
		byUser:    make(map[string]string),
		byTag:     make(map[string]string),
		entryByID: make(map[string]int),
		byAccount: make(map[string][]int),
		payments:  make(map[string]Payment),
		orders:    make(map[string]Order),
		locks:     make(map[string]chan struct{}),
	}
}

func (s *MemoryStore) rowLock(key string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[key] = l
	}
	return l
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:        s,
		held:     make(map[string]chan struct{}),
		accounts: make(map[string]Account),
		inserted: make(map[string]bool),
		payments: make(map[string]Payment),
		orders:   make(map[string]Order),
	}
	defer tx.release()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func cloneAccount(a Account) Account {
	if a.NfcTagID != nil {
		tag := *a.NfcTagID
		a.NfcTagID = &tag
	}
	return a
}

func cloneOrder(o Order) Order {
	o.Items = append([]OrderItem(nil), o.Items...)
	return o
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) AccountByID(_ context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrRecordNotFound
	}
	return cloneAccount(a), nil
}

func (s *MemoryStore) AccountByUser(ctx context.Context, userID string) (Account, error) {
	s.mu.RLock()
	id, ok := s.byUser[userID]
	s.mu.RUnlock()
	if !ok {
		return Account{}, ErrRecordNotFound
	}
	return s.AccountByID(ctx, id)
}

func (s *MemoryStore) AccountByNfcTag(ctx context.Context, tag string) (Account, error) {
	s.mu.RLock()
	id, ok := s.byTag[tag]
	s.mu.RUnlock()
	if !ok {
		return Account{}, ErrRecordNotFound
	}
	return s.AccountByID(ctx, id)
}

func (s *MemoryStore) Accounts(_ context.Context, page Page) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Account, 0)
	for i := page.Offset; i < len(ids) && (page.Limit <= 0 || len(out) < page.Limit); i++ {
		out = append(out, cloneAccount(s.accounts[ids[i]]))
	}
	return out, nil
}

func (s *MemoryStore) Entries(_ context.Context, accountID string, f EntryFilter, page Page) ([]Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byAccount[accountID]
	matched := make([]Entry, 0)
	for i := len(idx) - 1; i >= 0; i-- {
		e := s.entries[idx[i]]
		if f.FestivalID != "" && e.FestivalID != f.FestivalID {
			continue
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	if page.Offset >= total {
		return []Entry{}, total, nil
	}
	end := total
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return matched[page.Offset:end], total, nil
}

func (s *MemoryStore) AccountEntries(_ context.Context, accountID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byAccount[accountID]
	out := make([]Entry, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *MemoryStore) FestivalTotals(_ context.Context, festivalID string) ([]KindTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	totals := make(map[EntryKind]*KindTotal)
	for _, e := range s.entries {
		if e.FestivalID != festivalID {
			continue
		}
		t, ok := totals[e.Kind]
		if !ok {
			t = &KindTotal{Kind: e.Kind}
			totals[e.Kind] = t
		}
		t.Count++
		t.Sum = t.Sum.Add(e.Amount)
	}
	out := make([]KindTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (s *MemoryStore) Payment(_ context.Context, id string) (Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return Payment{}, ErrRecordNotFound
	}
	return p, nil
}

func (s *MemoryStore) Order(_ context.Context, id string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, ErrRecordNotFound
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) Orders(_ context.Context, f OrderFilter) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Order, 0)
	for _, o := range s.orders {
		if !f.matches(o) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f OrderFilter) matches(o Order) bool {
	if f.VendorID != "" && o.VendorID != f.VendorID {
		return false
	}
	if f.FestivalID != "" && o.FestivalID != f.FestivalID {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && o.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !o.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

type memTx struct {
	s    *MemoryStore
	held map[string]chan struct{}

	accounts map[string]Account
	inserted map[string]bool
	entries  []Entry
	payments map[string]Payment
	newPays  []string
	orders   map[string]Order
	newOrds  []string
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	l := tx.s.rowLock(key)
	select {
	case l <- struct{}{}:
		tx.held[key] = l
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tx *memTx) release() {
	for key, l := range tx.held {
		<-l
		delete(tx.held, key)
	}
}

func (tx *memTx) holds(key string) bool {
	_, ok := tx.held[key]
	return ok
}

func (tx *memTx) readAccount(id string) (Account, bool) {
	if a, ok := tx.accounts[id]; ok {
		return cloneAccount(a), true
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	a, ok := tx.s.accounts[id]
	return cloneAccount(a), ok
}

func (tx *memTx) LockAccount(ctx context.Context, id string) (Account, error) {
	if err := tx.lock(ctx, "account:"+id); err != nil {
		return Account{}, err
	}
	a, ok := tx.readAccount(id)
	if !ok {
		return Account{}, ErrRecordNotFound
	}
	return a, nil
}

func (tx *memTx) LockAccounts(ctx context.Context, ids ...string) (map[string]Account, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := make(map[string]Account, len(sorted))
	for _, id := range sorted {
		if err := tx.lock(ctx, "account:"+id); err != nil {
			return nil, err
		}
		if a, ok := tx.readAccount(id); ok {
			out[id] = a
		}
	}
	return out, nil
}

func (tx *memTx) InsertAccount(_ context.Context, a Account) error {
	if _, ok := tx.accounts[a.ID]; ok {
		return &DuplicateError{Table: "cashless_accounts", Field: "id"}
	}
	tx.accounts[a.ID] = cloneAccount(a)
	tx.inserted[a.ID] = true
	return nil
}

func (tx *memTx) UpdateAccount(_ context.Context, a Account) error {
	if !tx.inserted[a.ID] && !tx.holds("account:"+a.ID) {
		return fmt.Errorf("account %s updated without row lock", a.ID)
	}
	tx.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (tx *memTx) AppendEntry(_ context.Context, e Entry) error {
	e.Metadata = cloneMetadata(e.Metadata)
	tx.entries = append(tx.entries, e)
	return nil
}

func (tx *memTx) Entry(_ context.Context, id string) (Entry, error) {
	for _, e := range tx.entries {
		if e.ID == id {
			return e, nil
		}
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	i, ok := tx.s.entryByID[id]
	if !ok {
		return Entry{}, ErrRecordNotFound
	}
	return tx.s.entries[i], nil
}

func (tx *memTx) AccountEntries(ctx context.Context, accountID string) ([]Entry, error) {
	out, err := tx.s.AccountEntries(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, e := range tx.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (tx *memTx) InsertPayment(_ context.Context, p Payment) error {
	if _, ok := tx.payments[p.ID]; ok {
		return &DuplicateError{Table: "cashless_payments", Field: "id"}
	}
	tx.payments[p.ID] = p
	tx.newPays = append(tx.newPays, p.ID)
	return nil
}

func (tx *memTx) LockPayment(ctx context.Context, id string) (Payment, error) {
	if err := tx.lock(ctx, "payment:"+id); err != nil {
		return Payment{}, err
	}
	if p, ok := tx.payments[id]; ok {
		return p, nil
	}
	return tx.s.Payment(ctx, id)
}

func (tx *memTx) UpdatePayment(_ context.Context, p Payment) error {
	if !tx.holds("payment:"+p.ID) {
		if _, ok := tx.payments[p.ID]; !ok {
			return fmt.Errorf("payment %s updated without row lock", p.ID)
		}
	}
	tx.payments[p.ID] = p
	return nil
}

func (tx *memTx) PendingPayment(_ context.Context, accountID string, purpose PaymentPurpose) (Payment, bool, error) {
	for _, p := range tx.payments {
		if p.AccountID == accountID && p.Purpose == purpose && p.Status == PaymentPending {
			return p, true, nil
		}
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	for _, p := range tx.s.payments {
		if _, overridden := tx.payments[p.ID]; overridden {
			continue
		}
		if p.AccountID == accountID && p.Purpose == purpose && p.Status == PaymentPending {
			return p, true, nil
		}
	}
	return Payment{}, false, nil
}

func (tx *memTx) InsertOrder(_ context.Context, o Order) error {
	if _, ok := tx.orders[o.ID]; ok {
		return &DuplicateError{Table: "vendor_orders", Field: "id"}
	}
	tx.orders[o.ID] = cloneOrder(o)
	tx.newOrds = append(tx.newOrds, o.ID)
	return nil
}

func (tx *memTx) LockOrder(ctx context.Context, id string) (Order, error) {
	if err := tx.lock(ctx, "order:"+id); err != nil {
		return Order{}, err
	}
	if o, ok := tx.orders[id]; ok {
		return cloneOrder(o), nil
	}
	return tx.s.Order(ctx, id)
}

func (tx *memTx) UpdateOrder(_ context.Context, o Order) error {
	if !tx.holds("order:"+o.ID) {
		if _, ok := tx.orders[o.ID]; !ok {
			return fmt.Errorf("order %s updated without row lock", o.ID)
		}
	}
	tx.orders[o.ID] = cloneOrder(o)
	return nil
}

func (tx *memTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := tx.checkUniqueLocked(); err != nil {
		return err
	}

	for id, a := range tx.accounts {
		if prev, ok := s.accounts[id]; ok {
			if tag := prev.nfcTag(); tag != "" && tag != a.nfcTag() {
				delete(s.byTag, tag)
			}
		}
		s.accounts[id] = a
		s.byUser[a.UserID] = id
		if tag := a.nfcTag(); tag != "" {
			s.byTag[tag] = id
		}
	}
	for _, e := range tx.entries {
		s.seq++
		e.Seq = s.seq
		s.entries = append(s.entries, e)
		i := len(s.entries) - 1
		s.entryByID[e.ID] = i
		s.byAccount[e.AccountID] = append(s.byAccount[e.AccountID], i)
	}
	for id, p := range tx.payments {
		s.payments[id] = p
	}
	for id, o := range tx.orders {
		s.orders[id] = o
	}
	return nil
}

func (tx *memTx) checkUniqueLocked() error {
	s := tx.s
	tags := make(map[string]string)
	for id, a := range tx.accounts {
		if tx.inserted[id] {
			if _, ok := s.accounts[id]; ok {
				return &DuplicateError{Table: "cashless_accounts", Field: "id"}
			}
			if _, ok := s.byUser[a.UserID]; ok {
				return &DuplicateError{Table: "cashless_accounts", Field: "user_id"}
			}
		}
		tag := a.nfcTag()
		if tag == "" {
			continue
		}
		if owner, ok := s.byTag[tag]; ok && owner != id {
			if pending, moved := tx.accounts[owner]; !moved || pending.nfcTag() == tag {
				return &DuplicateError{Table: "cashless_accounts", Field: "nfc_tag_id"}
			}
		}
		if other, ok := tags[tag]; ok && other != id {
			return &DuplicateError{Table: "cashless_accounts", Field: "nfc_tag_id"}
		}
		tags[tag] = id
	}
	for _, e := range tx.entries {
		if _, ok := s.entryByID[e.ID]; ok {
			return &DuplicateError{Table: "cashless_transactions", Field: "id"}
		}
	}
	for _, id := range tx.newPays {
		if _, ok := s.payments[id]; ok {
			return &DuplicateError{Table: "cashless_payments", Field: "id"}
		}
	}
	for _, id := range tx.newOrds {
		if _, ok := s.orders[id]; ok {
			return &DuplicateError{Table: "vendor_orders", Field: "id"}
		}
	}
	return nil
}
