package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bnp/benefit-service/internal/catalog"
	"github.com/bnp/benefit-service/internal/domain"
	"github.com/bnp/benefit-service/internal/lock"
	"github.com/bnp/benefit-service/internal/metrics"
	"github.com/bnp/benefit-service/internal/policy"
	"github.com/bnp/benefit-service/internal/store"
	"github.com/bnp/benefit-service/pkg/logging"
	"github.com/google/uuid"
)

const testActor = "user_admin_1"

var errSimulated = errors.New("simulated ledger outage")

type publishedMessage struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, publishedMessage{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.messages {
		if m.routingKey == routingKey {
			n++
		}
	}
	return n
}

// failingLedger wraps a ledger and fails the selected writes.
type failingLedger struct {
	store.LedgerRepository
	saveCodeErr error
	saveFundErr error
}

func (l *failingLedger) SaveCode(ctx context.Context, code *domain.Code) error {
	if l.saveCodeErr != nil {
		return l.saveCodeErr
	}
	return l.LedgerRepository.SaveCode(ctx, code)
}

func (l *failingLedger) SaveFund(ctx context.Context, fund *domain.Fund) error {
	if l.saveFundErr != nil {
		return l.saveFundErr
	}
	return l.LedgerRepository.SaveFund(ctx, fund)
}

// gatedLocker holds the first acquisition of key until release is closed.
type gatedLocker struct {
	lock.Locker
	key     string
	once    sync.Once
	held    chan struct{}
	release chan struct{}
}

func newGatedLocker(inner lock.Locker, key string) *gatedLocker {
	return &gatedLocker{Locker: inner, key: key, held: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedLocker) Lock(ctx context.Context, key string) (func(), error) {
	if key == g.key {
		first := false
		g.once.Do(func() { first = true })
		if first {
			close(g.held)
			select {
			case <-g.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return g.Locker.Lock(ctx, key)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) AddYears(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(n, 0, 0)
}

type testEnv struct {
	repo    *store.MemoryRepository
	ledger  *failingLedger
	locker  *lock.MemoryLocker
	pub     *recordingPublisher
	clock   *testClock
	metrics *metrics.Metrics
	syncer  *Synchronizer
	svc     *BenefitService

	beneficiary   uuid.UUID
	voucher       uuid.UUID
	reimbursement uuid.UUID
	financing     uuid.UUID
	other         uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := store.NewMemoryRepository()
	env := &testEnv{
		repo:          repo,
		ledger:        &failingLedger{LedgerRepository: repo},
		locker:        lock.NewMemoryLocker(),
		pub:           &recordingPublisher{},
		clock:         &testClock{now: time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)},
		metrics:       metrics.New(),
		beneficiary:   uuid.New(),
		voucher:       uuid.New(),
		reimbursement: uuid.New(),
		financing:     uuid.New(),
		other:         uuid.New(),
	}

	voucherValue := 1500.0
	repo.PutBeneficiary(env.beneficiary)
	repo.PutService(store.ServiceRow{ID: env.voucher, Name: "Vale de despensa", VoucherValue: &voucherValue})
	repo.PutService(store.ServiceRow{ID: env.reimbursement, Name: "Reembolso educativo"})
	repo.PutService(store.ServiceRow{ID: env.financing, Name: "Financiamiento automotriz"})
	repo.PutService(store.ServiceRow{ID: env.other, Name: "Asesoría legal"})

	env.syncer = env.newSynchronizer(env.ledger)
	log := logging.ForComponent(logging.Discard(), "test")
	env.svc = NewBenefitService(repo, catalog.New(repo, 500), policy.NewRegistry(), env.locker, env.syncer, env.pub, env.metrics, log, time.Minute)
	env.svc.now = env.clock.Now
	return env
}

func (e *testEnv) newSynchronizer(ledger store.LedgerRepository) *Synchronizer {
	s := NewSynchronizer(e.repo, ledger, e.locker, e.pub, e.metrics, logging.ForComponent(logging.Discard(), "test"), SyncConfig{
		Timeout:            time.Second,
		FundInitialBalance: 1000,
		FundValidity:       365 * 24 * time.Hour,
	})
	s.now = e.clock.Now
	return s
}

func (e *testEnv) newReconciler(batchSize int) *Reconciler {
	return NewReconciler(e.repo, e.repo, e.newSynchronizer(e.repo), e.metrics, logging.ForComponent(logging.Discard(), "test"), batchSize)
}

func (e *testEnv) assign(t *testing.T, serviceID uuid.UUID) *domain.BenefitRecord {
	t.Helper()
	rec, err := e.svc.Assign(context.Background(), testActor, e.beneficiary, serviceID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	return rec
}

func (e *testEnv) activate(t *testing.T, serviceID uuid.UUID, input domain.ActivationInput) *TransitionResult {
	t.Helper()
	res, err := e.svc.Activate(context.Background(), testActor, e.beneficiary, serviceID, input)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	return res
}

func (e *testEnv) stored(t *testing.T, serviceID uuid.UUID) *domain.BenefitRecord {
	t.Helper()
	rec, err := e.repo.FindBenefit(context.Background(), e.beneficiary, serviceID)
	if err != nil {
		t.Fatalf("find benefit: %v", err)
	}
	return rec
}

func floatPtr(v float64) *float64 {
	return &v
}
