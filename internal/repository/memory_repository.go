package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/akylbek/payment-system/payment-service/internal/apperrors"
	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/models"
)

// MemoryRepository is an in-process PaymentStore. Units of work run one at a time under
// a single lock and are rolled back from an undo log, which gives the same uniqueness
// guarantees as the Postgres constraints.
type MemoryRepository struct {
	mu           sync.RWMutex
	payments     map[string]*models.Payment
	sequence     map[string]int64
	byOrder      map[int64]string
	byTxnID      map[string]string
	transactions map[string][]models.Transaction
	idempotency  map[string]*models.IdempotencyRecord
	nextSeq      int64
	nextLogID    int64
}

var _ interfaces.PaymentStore = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		payments:     make(map[string]*models.Payment),
		sequence:     make(map[string]int64),
		byOrder:      make(map[int64]string),
		byTxnID:      make(map[string]string),
		transactions: make(map[string][]models.Transaction),
		idempotency:  make(map[string]*models.IdempotencyRecord),
	}
}

func (r *MemoryRepository) WithTx(ctx context.Context, fn func(tx interfaces.PaymentTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{repo: r}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*models.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadLocked(id)
}

func (r *MemoryRepository) GetByOrderID(_ context.Context, orderID int64) (*models.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byOrder[orderID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "Payment not found", nil)
	}
	return r.loadLocked(id)
}

func (r *MemoryRepository) GetByTransactionID(_ context.Context, transactionID string) (*models.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTxnID[transactionID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "Payment not found", nil)
	}
	return r.loadLocked(id)
}

func (r *MemoryRepository) loadLocked(id string) (*models.Payment, error) {
	p, ok := r.payments[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "Payment not found", nil)
	}
	cp := p.Clone()
	cp.Transactions = append([]models.Transaction{}, r.transactions[id]...)
	return cp, nil
}

func (r *MemoryRepository) List(_ context.Context, filter models.PaymentFilter) ([]models.Payment, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Payment
	for _, p := range r.payments {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.PaymentMethod != "" && p.PaymentMethod != filter.PaymentMethod {
			continue
		}
		if filter.UserID != 0 && p.UserID != filter.UserID {
			continue
		}
		matched = append(matched, p)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return r.sequence[matched[i].PaymentID] > r.sequence[matched[j].PaymentID]
	})

	total := int64(len(matched))
	start := (filter.Page - 1) * filter.PageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := start + filter.PageSize
	if end > len(matched) {
		end = len(matched)
	}

	payments := make([]models.Payment, 0, end-start)
	for _, p := range matched[start:end] {
		cp := p.Clone()
		cp.Transactions = nil
		payments = append(payments, *cp)
	}
	return payments, total, nil
}

func (r *MemoryRepository) GetIdempotencyRecord(_ context.Context, key string) (*models.IdempotencyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.idempotency[key]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindNotFound, "Idempotency key %s not found", key)
	}
	cp := *rec
	cp.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	return &cp, nil
}

func (r *MemoryRepository) InsertIdempotencyRecord(_ context.Context, rec *models.IdempotencyRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inserted, _ := r.insertIdempotencyLocked(rec)
	return inserted, nil
}

// insertIdempotencyLocked returns the record it displaced, if any, for undo.
func (r *MemoryRepository) insertIdempotencyLocked(rec *models.IdempotencyRecord) (bool, *models.IdempotencyRecord) {
	existing, ok := r.idempotency[rec.Key]
	if ok && !existing.Expired(rec.CreatedAt) {
		return false, nil
	}
	cp := *rec
	cp.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	r.idempotency[rec.Key] = &cp
	return true, existing
}

func (r *MemoryRepository) DeleteExpiredIdempotencyRecord(_ context.Context, key string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.idempotency[key]; ok && rec.Expired(now) {
		delete(r.idempotency, key)
	}
	return nil
}

func (r *MemoryRepository) PurgeExpiredIdempotencyRecords(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged int64
	for key, rec := range r.idempotency {
		if rec.Expired(now) {
			delete(r.idempotency, key)
			purged++
		}
	}
	return purged, nil
}

type memoryTx struct {
	repo *MemoryRepository
	undo []func()
}

func (t *memoryTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memoryTx) InsertPayment(_ context.Context, p *models.Payment) error {
	r := t.repo
	if _, exists := r.byOrder[p.OrderID]; exists {
		return apperrors.Newf(apperrors.KindDuplicateOrder, "Payment for order_id %d already exists", p.OrderID)
	}
	if _, exists := r.byTxnID[p.TransactionID]; exists {
		return apperrors.Newf(apperrors.KindInternal, "transaction_id %s already in use", p.TransactionID)
	}
	if _, exists := r.payments[p.PaymentID]; exists {
		return apperrors.Newf(apperrors.KindInternal, "payment_id %s already in use", p.PaymentID)
	}

	cp := p.Clone()
	cp.Transactions = nil
	r.nextSeq++
	r.payments[p.PaymentID] = cp
	r.sequence[p.PaymentID] = r.nextSeq
	r.byOrder[p.OrderID] = p.PaymentID
	r.byTxnID[p.TransactionID] = p.PaymentID

	t.undo = append(t.undo, func() {
		delete(r.payments, p.PaymentID)
		delete(r.sequence, p.PaymentID)
		delete(r.byOrder, p.OrderID)
		delete(r.byTxnID, p.TransactionID)
		delete(r.transactions, p.PaymentID)
	})
	return nil
}

func (t *memoryTx) GetForUpdate(_ context.Context, id string) (*models.Payment, error) {
	p, ok := t.repo.payments[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "Payment not found", nil)
	}
	return p.Clone(), nil
}

func (t *memoryTx) UpdatePayment(_ context.Context, p *models.Payment) error {
	r := t.repo
	prev, ok := r.payments[p.PaymentID]
	if !ok {
		return apperrors.Newf(apperrors.KindNotFound, "Payment %s not found", p.PaymentID)
	}
	cp := p.Clone()
	cp.Transactions = nil
	r.payments[p.PaymentID] = cp
	t.undo = append(t.undo, func() { r.payments[p.PaymentID] = prev })
	return nil
}

func (t *memoryTx) AppendTransaction(_ context.Context, txn *models.Transaction) error {
	r := t.repo
	if _, ok := r.payments[txn.PaymentID]; !ok {
		return apperrors.Newf(apperrors.KindNotFound, "Payment %s not found", txn.PaymentID)
	}
	r.nextLogID++
	txn.TransactionLogID = r.nextLogID
	prev := r.transactions[txn.PaymentID]
	r.transactions[txn.PaymentID] = append(append([]models.Transaction(nil), prev...), *txn)
	t.undo = append(t.undo, func() { r.transactions[txn.PaymentID] = prev })
	return nil
}

func (t *memoryTx) InsertIdempotencyRecord(_ context.Context, rec *models.IdempotencyRecord) (bool, error) {
	r := t.repo
	inserted, displaced := r.insertIdempotencyLocked(rec)
	if inserted {
		t.undo = append(t.undo, func() {
			if displaced != nil {
				r.idempotency[rec.Key] = displaced
				return
			}
			delete(r.idempotency, rec.Key)
		})
	}
	return inserted, nil
}
