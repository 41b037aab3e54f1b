// Package store provides an in-memory ledger.TxStore implementation
// (for testing/dev). The durable implementation lives in store/sqlite.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/keygate/credential-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	d  data
}

// data is the unlocked state. All methods on data assume the caller holds
// the Memory lock; WithTx snapshots and restores it wholesale on rollback.
type data struct {
	accounts    map[ledger.AccountID]*ledger.Account
	byCode      map[string]ledger.AccountID
	entries     map[ledger.AccountID][]ledger.Entry
	idempotency map[string]bool
	credentials map[ledger.CredentialID]*ledger.Credential
	byTokenHash map[string]ledger.CredentialID
	bundles     map[ledger.BundleID]*ledger.Bundle
	payments    map[string]*ledger.Payment // keyed by external ref
}

func NewMemory() *Memory {
	return &Memory{d: data{
		accounts:    make(map[ledger.AccountID]*ledger.Account),
		byCode:      make(map[string]ledger.AccountID),
		entries:     make(map[ledger.AccountID][]ledger.Entry),
		idempotency: make(map[string]bool),
		credentials: make(map[ledger.CredentialID]*ledger.Credential),
		byTokenHash: make(map[string]ledger.CredentialID),
		bundles:     make(map[ledger.BundleID]*ledger.Bundle),
		payments:    make(map[string]*ledger.Payment),
	}}
}

var _ ledger.TxStore = (*Memory)(nil)

// =============================================================================
// ACCOUNTS
// =============================================================================

func (d *data) createAccount(a *ledger.Account) error {
	cp := *a
	d.accounts[a.ID] = &cp
	if a.ReferralCode != "" {
		d.byCode[a.ReferralCode] = a.ID
	}
	return nil
}

func (d *data) getAccount(id ledger.AccountID) (*ledger.Account, error) {
	a, ok := d.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (d *data) getAccountByReferralCode(code string) (*ledger.Account, error) {
	id, ok := d.byCode[code]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return d.getAccount(id)
}

func (d *data) listReferredAccounts(referrer ledger.AccountID) ([]*ledger.Account, error) {
	var out []*ledger.Account
	for _, a := range d.accounts {
		if a.ReferredBy != nil && *a.ReferredBy == referrer {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *data) updateBalance(id ledger.AccountID, balance ledger.Money) error {
	a, ok := d.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	a.Balance = balance
	return nil
}

func (d *data) deactivateAccount(id ledger.AccountID, at time.Time) error {
	a, ok := d.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	t := at
	a.DeactivatedAt = &t
	return nil
}

// =============================================================================
// LEDGER ENTRIES (append-only)
// =============================================================================

func (d *data) appendEntry(e ledger.Entry) error {
	if e.IdempotencyKey != "" {
		if d.idempotency[e.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
		d.idempotency[e.IdempotencyKey] = true
	}
	d.entries[e.AccountID] = append(d.entries[e.AccountID], e)
	return nil
}

func (d *data) listEntries(id ledger.AccountID, f ledger.EntryFilter) ([]ledger.Entry, int, error) {
	var matched []ledger.Entry
	for _, e := range d.entries[id] {
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		matched = append(matched, e)
	}
	// Newest first, like the durable store.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if f.PerPage > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * f.PerPage
		if start >= total {
			return []ledger.Entry{}, total, nil
		}
		end := start + f.PerPage
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}
	return matched, total, nil
}

func (d *data) sumEntries(id ledger.AccountID) (ledger.Money, error) {
	sum := ledger.Zero()
	for _, e := range d.entries[id] {
		sum = sum.Add(e.Amount)
	}
	return sum, nil
}

func (d *data) entryExists(key string) (bool, error) {
	return d.idempotency[key], nil
}

// =============================================================================
// CREDENTIALS
// =============================================================================

func (d *data) createCredential(c *ledger.Credential) error {
	cp := *c
	d.credentials[c.ID] = &cp
	d.byTokenHash[c.TokenHash] = c.ID
	return nil
}

func (d *data) getCredential(id ledger.CredentialID) (*ledger.Credential, error) {
	c, ok := d.credentials[id]
	if !ok {
		return nil, ledger.ErrCredentialNotFound
	}
	cp := *c
	return &cp, nil
}

func (d *data) getCredentialByTokenHash(hash string) (*ledger.Credential, error) {
	id, ok := d.byTokenHash[hash]
	if !ok {
		return nil, ledger.ErrCredentialNotFound
	}
	return d.getCredential(id)
}

func (d *data) listCredentials(owner ledger.AccountID) ([]*ledger.Credential, error) {
	var out []*ledger.Credential
	for _, c := range d.credentials {
		if c.OwnerAccountID == owner {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *data) activateCredential(id ledger.CredentialID, at time.Time) (time.Time, error) {
	c, ok := d.credentials[id]
	if !ok {
		return time.Time{}, ledger.ErrCredentialNotFound
	}
	if c.ActivatedAt != nil {
		// Another validator won the race; the stored time stands.
		return *c.ActivatedAt, nil
	}
	t := at
	c.ActivatedAt = &t
	return t, nil
}

func (d *data) revokeCredential(id ledger.CredentialID, at time.Time) error {
	c, ok := d.credentials[id]
	if !ok || c.RevokedAt != nil {
		// Only the first revocation wins; a racing revoker's refund
		// transaction must fail and roll back.
		return ledger.ErrCredentialNotFound
	}
	t := at
	c.RevokedAt = &t
	c.IsActive = false
	return nil
}

func (d *data) listExpiredActive(now time.Time, limit int) ([]*ledger.Credential, error) {
	var out []*ledger.Credential
	for _, c := range d.credentials {
		if !c.IsActive || c.ActivatedAt == nil {
			continue
		}
		if expires, ok := c.ExpiresAt(); ok && expires.Before(now) {
			cp := *c
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// =============================================================================
// BUNDLES
// =============================================================================

func (d *data) createBundle(b *ledger.Bundle) error {
	cp := *b
	d.bundles[b.ID] = &cp
	return nil
}

func (d *data) getBundle(id ledger.BundleID) (*ledger.Bundle, error) {
	b, ok := d.bundles[id]
	if !ok {
		return nil, ledger.ErrBundleNotFound
	}
	cp := *b
	return &cp, nil
}

func (d *data) listBundles(activeOnly bool) ([]*ledger.Bundle, error) {
	var out []*ledger.Bundle
	for _, b := range d.bundles {
		if activeOnly && !b.IsActive {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *data) deactivateBundle(id ledger.BundleID) error {
	b, ok := d.bundles[id]
	if !ok {
		return ledger.ErrBundleNotFound
	}
	b.IsActive = false
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (d *data) createPayment(p *ledger.Payment) error {
	cp := *p
	d.payments[p.ExternalRef] = &cp
	return nil
}

func (d *data) getPaymentByRef(ref string) (*ledger.Payment, error) {
	p, ok := d.payments[ref]
	if !ok {
		return nil, ledger.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (d *data) resolvePayment(ref string, status ledger.PaymentStatus, at time.Time) error {
	p, ok := d.payments[ref]
	if !ok {
		return ledger.ErrPaymentNotFound
	}
	t := at
	p.Status = status
	p.ResolvedAt = &t
	return nil
}

func (d *data) listPendingPayments(olderThan time.Time, limit int) ([]*ledger.Payment, error) {
	var out []*ledger.Payment
	for _, p := range d.payments {
		if p.Status == ledger.PaymentPending && p.CreatedAt.Before(olderThan) {
			cp := *p
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (d *data) prunePayments(before time.Time) (int, error) {
	n := 0
	for ref, p := range d.payments {
		if p.Status == ledger.PaymentCanceled && p.ResolvedAt != nil && p.ResolvedAt.Before(before) {
			delete(d.payments, ref)
			n++
		}
	}
	return n, nil
}

// =============================================================================
// LOCKED WRAPPERS - ledger.Store interface
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, a *ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.createAccount(a)
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.getAccount(id)
}

func (m *Memory) GetAccountByReferralCode(_ context.Context, code string) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.getAccountByReferralCode(code)
}

func (m *Memory) ListReferredAccounts(_ context.Context, referrer ledger.AccountID) ([]*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.listReferredAccounts(referrer)
}

func (m *Memory) UpdateBalance(_ context.Context, id ledger.AccountID, balance ledger.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.updateBalance(id, balance)
}

func (m *Memory) DeactivateAccount(_ context.Context, id ledger.AccountID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.deactivateAccount(id, at)
}

func (m *Memory) AppendEntry(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.appendEntry(e)
}

func (m *Memory) ListEntries(_ context.Context, id ledger.AccountID, f ledger.EntryFilter) ([]ledger.Entry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.listEntries(id, f)
}

func (m *Memory) SumEntries(_ context.Context, id ledger.AccountID) (ledger.Money, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.sumEntries(id)
}

func (m *Memory) EntryExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.entryExists(key)
}

func (m *Memory) CreateCredential(_ context.Context, c *ledger.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.createCredential(c)
}

func (m *Memory) GetCredential(_ context.Context, id ledger.CredentialID) (*ledger.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.getCredential(id)
}

func (m *Memory) GetCredentialByTokenHash(_ context.Context, hash string) (*ledger.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.getCredentialByTokenHash(hash)
}

func (m *Memory) ListCredentials(_ context.Context, owner ledger.AccountID) ([]*ledger.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.listCredentials(owner)
}

func (m *Memory) ActivateCredential(_ context.Context, id ledger.CredentialID, at time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.activateCredential(id, at)
}

func (m *Memory) RevokeCredential(_ context.Context, id ledger.CredentialID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.revokeCredential(id, at)
}

func (m *Memory) ListExpiredActive(_ context.Context, now time.Time, limit int) ([]*ledger.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.listExpiredActive(now, limit)
}

func (m *Memory) CreateBundle(_ context.Context, b *ledger.Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.createBundle(b)
}

func (m *Memory) GetBundle(_ context.Context, id ledger.BundleID) (*ledger.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.getBundle(id)
}

func (m *Memory) ListBundles(_ context.Context, activeOnly bool) ([]*ledger.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.listBundles(activeOnly)
}

func (m *Memory) DeactivateBundle(_ context.Context, id ledger.BundleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.deactivateBundle(id)
}

func (m *Memory) CreatePayment(_ context.Context, p *ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.createPayment(p)
}

func (m *Memory) GetPaymentByRef(_ context.Context, ref string) (*ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.getPaymentByRef(ref)
}

func (m *Memory) ResolvePayment(_ context.Context, ref string, status ledger.PaymentStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.resolvePayment(ref, status, at)
}

func (m *Memory) ListPendingPayments(_ context.Context, olderThan time.Time, limit int) ([]*ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.listPendingPayments(olderThan, limit)
}

func (m *Memory) PrunePayments(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.prunePayments(before)
}

// =============================================================================
// TRANSACTIONS - Snapshot + rollback simulation
// =============================================================================

// WithTx executes fn against an unlocked view of the state while holding
// the write lock. On error the pre-transaction snapshot is restored, so
// callers get the same all-or-nothing behavior as the durable store.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.d.snapshot()
	view := &txView{d: &m.d}
	if err := fn(view); err != nil {
		m.d = snap
		return err
	}
	return nil
}

func (d *data) snapshot() data {
	s := data{
		accounts:    make(map[ledger.AccountID]*ledger.Account, len(d.accounts)),
		byCode:      make(map[string]ledger.AccountID, len(d.byCode)),
		entries:     make(map[ledger.AccountID][]ledger.Entry, len(d.entries)),
		idempotency: make(map[string]bool, len(d.idempotency)),
		credentials: make(map[ledger.CredentialID]*ledger.Credential, len(d.credentials)),
		byTokenHash: make(map[string]ledger.CredentialID, len(d.byTokenHash)),
		bundles:     make(map[ledger.BundleID]*ledger.Bundle, len(d.bundles)),
		payments:    make(map[string]*ledger.Payment, len(d.payments)),
	}
	for k, v := range d.accounts {
		cp := *v
		s.accounts[k] = &cp
	}
	for k, v := range d.byCode {
		s.byCode[k] = v
	}
	for k, v := range d.entries {
		s.entries[k] = append([]ledger.Entry{}, v...)
	}
	for k, v := range d.idempotency {
		s.idempotency[k] = v
	}
	for k, v := range d.credentials {
		cp := *v
		s.credentials[k] = &cp
	}
	for k, v := range d.byTokenHash {
		s.byTokenHash[k] = v
	}
	for k, v := range d.bundles {
		cp := *v
		s.bundles[k] = &cp
	}
	for k, v := range d.payments {
		cp := *v
		s.payments[k] = &cp
	}
	return s
}

// txView adapts the unlocked data methods to ledger.Store for use inside
// WithTx, where the Memory lock is already held.
type txView struct {
	d *data
}

var _ ledger.Store = (*txView)(nil)

func (v *txView) CreateAccount(_ context.Context, a *ledger.Account) error {
	return v.d.createAccount(a)
}
func (v *txView) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return v.d.getAccount(id)
}
func (v *txView) GetAccountByReferralCode(_ context.Context, code string) (*ledger.Account, error) {
	return v.d.getAccountByReferralCode(code)
}
func (v *txView) ListReferredAccounts(_ context.Context, referrer ledger.AccountID) ([]*ledger.Account, error) {
	return v.d.listReferredAccounts(referrer)
}
func (v *txView) UpdateBalance(_ context.Context, id ledger.AccountID, b ledger.Money) error {
	return v.d.updateBalance(id, b)
}
func (v *txView) DeactivateAccount(_ context.Context, id ledger.AccountID, at time.Time) error {
	return v.d.deactivateAccount(id, at)
}
func (v *txView) AppendEntry(_ context.Context, e ledger.Entry) error { return v.d.appendEntry(e) }
func (v *txView) ListEntries(_ context.Context, id ledger.AccountID, f ledger.EntryFilter) ([]ledger.Entry, int, error) {
	return v.d.listEntries(id, f)
}
func (v *txView) SumEntries(_ context.Context, id ledger.AccountID) (ledger.Money, error) {
	return v.d.sumEntries(id)
}
func (v *txView) EntryExists(_ context.Context, key string) (bool, error) {
	return v.d.entryExists(key)
}
func (v *txView) CreateCredential(_ context.Context, c *ledger.Credential) error {
	return v.d.createCredential(c)
}
func (v *txView) GetCredential(_ context.Context, id ledger.CredentialID) (*ledger.Credential, error) {
	return v.d.getCredential(id)
}
func (v *txView) GetCredentialByTokenHash(_ context.Context, hash string) (*ledger.Credential, error) {
	return v.d.getCredentialByTokenHash(hash)
}
func (v *txView) ListCredentials(_ context.Context, owner ledger.AccountID) ([]*ledger.Credential, error) {
	return v.d.listCredentials(owner)
}
func (v *txView) ActivateCredential(_ context.Context, id ledger.CredentialID, at time.Time) (time.Time, error) {
	return v.d.activateCredential(id, at)
}
func (v *txView) RevokeCredential(_ context.Context, id ledger.CredentialID, at time.Time) error {
	return v.d.revokeCredential(id, at)
}
func (v *txView) ListExpiredActive(_ context.Context, now time.Time, limit int) ([]*ledger.Credential, error) {
	return v.d.listExpiredActive(now, limit)
}
func (v *txView) CreateBundle(_ context.Context, b *ledger.Bundle) error { return v.d.createBundle(b) }
func (v *txView) GetBundle(_ context.Context, id ledger.BundleID) (*ledger.Bundle, error) {
	return v.d.getBundle(id)
}
func (v *txView) ListBundles(_ context.Context, activeOnly bool) ([]*ledger.Bundle, error) {
	return v.d.listBundles(activeOnly)
}
func (v *txView) DeactivateBundle(_ context.Context, id ledger.BundleID) error {
	return v.d.deactivateBundle(id)
}
func (v *txView) CreatePayment(_ context.Context, p *ledger.Payment) error {
	return v.d.createPayment(p)
}
func (v *txView) GetPaymentByRef(_ context.Context, ref string) (*ledger.Payment, error) {
	return v.d.getPaymentByRef(ref)
}
func (v *txView) ResolvePayment(_ context.Context, ref string, status ledger.PaymentStatus, at time.Time) error {
	return v.d.resolvePayment(ref, status, at)
}
func (v *txView) ListPendingPayments(_ context.Context, olderThan time.Time, limit int) ([]*ledger.Payment, error) {
	return v.d.listPendingPayments(olderThan, limit)
}
func (v *txView) PrunePayments(_ context.Context, before time.Time) (int, error) {
	return v.d.prunePayments(before)
}
