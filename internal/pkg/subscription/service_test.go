package subscription

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/nebulachat/NebulaChat/app/models"
	"github.com/nebulachat/NebulaChat/internal/pkg/cache"
	"github.com/nebulachat/NebulaChat/internal/pkg/payment"
)

// testRedis backs the checkout-redirect cache for the whole package.
var testRedis *miniredis.Miniredis

func TestMain(m *testing.M) {
	mr, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	testRedis = mr
	cache.SetClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	code := m.Run()

	cache.SetClient(nil)
	mr.Close()
	os.Exit(code)
}

// memRepository is an in-memory Repository with real mutex-guarded
// compare-and-set semantics, so concurrency tests exercise the same race
// windows the SQL implementation has.
type memRepository struct {
	mu     sync.Mutex
	nextID uint
	subs   map[uint]*models.Subscription
	users  map[uint]*models.User
	events map[string]*models.PaymentEvent
}

func newMemRepository() *memRepository {
	return &memRepository{
		nextID: 1,
		subs:   make(map[uint]*models.Subscription),
		users:  make(map[uint]*models.User),
		events: make(map[string]*models.PaymentEvent),
	}
}

func (r *memRepository) addUser(u *models.User) *models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == 0 {
		u.ID = r.nextID
		r.nextID++
	}
	if u.Plan == "" {
		u.Plan = models.PlanFree
	}
	r.users[u.ID] = u
	return u
}

func (r *memRepository) CreateSubscription(sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.ID = r.nextID
	r.nextID++
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	cp := *sub
	r.subs[sub.ID] = &cp
	return nil
}

func (r *memRepository) GetByPaymentRef(ref string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.PaymentRef == ref {
			cp := *s
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepository) GetActiveByUser(userID uint) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.UserID == userID && s.Status == models.SubscriptionStatusActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepository) GetPendingByUser(userID uint) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.UserID == userID && s.Status == models.SubscriptionStatusPending {
			cp := *s
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepository) UpdatePaymentRef(id uint, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	s.PaymentRef = ref
	s.UpdatedAt = time.Now()
	return nil
}

func (r *memRepository) Transition(t Transition) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[t.SubID]
	if !ok || s.Status != t.FromStatus {
		return false, nil
	}
	if t.EnsureSoleActive && t.UserID != 0 {
		for _, other := range r.subs {
			if other.ID != t.SubID && other.UserID == t.UserID &&
				other.Status == models.SubscriptionStatusActive {
				// Park instead of activating a second grant.
				s.Status = models.SubscriptionStatusFailed
				s.UpdatedAt = time.Now()
				return false, nil
			}
		}
	}
	applySubUpdates(s, t.SubUpdates)
	s.UpdatedAt = time.Now()
	if t.UserID != 0 && len(t.UserUpdates) > 0 {
		if u, ok := r.users[t.UserID]; ok {
			applyUserUpdates(u, t.UserUpdates)
		}
	}
	return true, nil
}

func applySubUpdates(s *models.Subscription, updates map[string]interface{}) {
	for k, v := range updates {
		switch k {
		case "status":
			s.Status = v.(string)
		case "current_period_end":
			s.CurrentPeriodEnd = timePtr(v)
		case "canceled_at":
			s.CanceledAt = timePtr(v)
		case "cancel_at_period_end":
			s.CancelAtPeriodEnd = v.(bool)
		case "fallback_grant":
			s.FallbackGrant = v.(bool)
		case "raw_payload_json":
			s.RawPayloadJSON = v.(string)
		}
	}
}

func applyUserUpdates(u *models.User, updates map[string]interface{}) {
	for k, v := range updates {
		switch k {
		case "plan":
			u.Plan = v.(string)
		case "plan_expires_at":
			u.PlanExpiresAt = timePtr(v)
		}
	}
}

func timePtr(v interface{}) *time.Time {
	if v == nil {
		return nil
	}
	if t, ok := v.(*time.Time); ok {
		return t
	}
	return nil
}

func (r *memRepository) GetUser(userID uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memRepository) ListExpiredActive(now time.Time, limit int) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for _, s := range r.subs {
		if s.Status == models.SubscriptionStatusActive &&
			s.CurrentPeriodEnd != nil && !s.CurrentPeriodEnd.After(now) {
			out = append(out, *s)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memRepository) ListStalePending(olderThan time.Time, limit int) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for _, s := range r.subs {
		if s.Status == models.SubscriptionStatusPending && !s.UpdatedAt.After(olderThan) {
			out = append(out, *s)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memRepository) CreateEventIfNotExists(event *models.PaymentEvent) (bool, *models.PaymentEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := event.Provider + "|" + event.ProviderEventID
	if stored, ok := r.events[key]; ok {
		cp := *stored
		return false, &cp, nil
	}
	event.ID = r.nextID
	r.nextID++
	event.CreatedAt = time.Now()
	cp := *event
	r.events[key] = &cp
	out := *event
	return true, &out, nil
}

func (r *memRepository) MarkEventProcessed(id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *memRepository) subByID(id uint) models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.subs[id]
}

func (r *memRepository) userByID(id uint) models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.users[id]
}

// fakeGateway scripts the provider responses.
type fakeGateway struct {
	configured  bool
	createErr   error
	paymentID   string
	redirectURL string
	status      payment.Status
	statusErr   error
}

func (g *fakeGateway) Configured() bool { return g.configured }

func (g *fakeGateway) CreatePayment(ctx context.Context, in payment.CreatePaymentInput) (*payment.Payment, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	id := g.paymentID
	if id == "" {
		id = "pay_" + in.PaymentRef
	}
	return &payment.Payment{ID: id, RedirectURL: g.redirectURL, Status: payment.StatusPending}, nil
}

func (g *fakeGateway) GetPaymentStatus(ctx context.Context, paymentID string) (payment.Status, error) {
	if g.statusErr != nil {
		return payment.StatusUnknown, g.statusErr
	}
	return g.status, nil
}

func newTestService(repo Repository, gw Gateway) *Service {
	return NewService(repo, gw, Config{AmountCents: 999, Currency: "EUR", ReturnURL: "https://nebulachat.test/payment/callback"})
}

func succeededEvent(ref string) *payment.Event {
	return &payment.Event{
		Kind:       payment.KindPaymentSucceeded,
		EventID:    "payment_succeeded:" + ref,
		PaymentRef: ref,
		Status:     payment.StatusSucceeded,
		ReceivedAt: time.Now(),
	}
}

func TestCreateSubscriptionReturnsRedirect(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com"})
	gw := &fakeGateway{configured: true, redirectURL: "https://gateway.test/checkout/abc"}
	svc := newTestService(repo, gw)

	res, err := svc.CreateSubscription(context.Background(), user.ID)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, "https://gateway.test/checkout/abc", res.RedirectURL)
	require.NotEmpty(t, res.PaymentRef)

	sub, err := repo.GetByPaymentRef(res.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusPending, sub.Status)
	assert.Equal(t, models.PlanFree, repo.userByID(user.ID).Plan)
}

func TestCreateSubscriptionUsesProviderPaymentID(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com"})
	gw := &fakeGateway{configured: true, paymentID: "pay_canonical", redirectURL: "https://gateway.test/c"}
	svc := newTestService(repo, gw)

	res, err := svc.CreateSubscription(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "pay_canonical", res.PaymentRef)

	// Webhooks identify records by the provider's payment id.
	_, err = repo.GetByPaymentRef("pay_canonical")
	assert.NoError(t, err)
}

func TestCreateSubscriptionFallbackWhenUnconfigured(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com"})
	svc := newTestService(repo, &fakeGateway{configured: false})

	start := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return start })

	res, err := svc.CreateSubscription(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Empty(t, res.RedirectURL)
	require.NotNil(t, res.PeriodEnd)
	assert.Equal(t, start.Add(models.SubscriptionPeriod), *res.PeriodEnd)

	sub, err := repo.GetByPaymentRef(res.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.True(t, sub.FallbackGrant)

	got := repo.userByID(user.ID)
	assert.Equal(t, models.PlanPremium, got.Plan)
	require.NotNil(t, got.PlanExpiresAt)
	assert.Equal(t, start.Add(models.SubscriptionPeriod), *got.PlanExpiresAt)
}

func TestCreateSubscriptionFallbackWhenGatewayUnreachable(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com"})
	gw := &fakeGateway{configured: true, createErr: payment.ErrGatewayUnavailable}
	svc := newTestService(repo, gw)

	res, err := svc.CreateSubscription(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, models.PlanPremium, repo.userByID(user.ID).Plan)
}

func TestCreateSubscriptionRejectionClosesRecord(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com"})
	rejection := assert.AnError
	gw := &fakeGateway{configured: true, createErr: rejection}
	svc := newTestService(repo, gw)

	_, err := svc.CreateSubscription(context.Background(), user.ID)
	assert.ErrorIs(t, err, rejection)

	// The pending record must not be stranded.
	for id := range repo.subs {
		assert.Equal(t, models.SubscriptionStatusFailed, repo.subByID(id).Status)
	}
	assert.Equal(t, models.PlanFree, repo.userByID(user.ID).Plan)
}

func TestCreateSubscriptionAlreadyPremium(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com", Plan: models.PlanPremium})
	end := time.Now().Add(10 * 24 * time.Hour)
	sub := &models.Subscription{UserID: user.ID, PaymentRef: "pay_live", Status: models.SubscriptionStatusActive, CurrentPeriodEnd: &end}
	require.NoError(t, repo.CreateSubscription(sub))

	svc := newTestService(repo, &fakeGateway{configured: true})
	_, err := svc.CreateSubscription(context.Background(), user.ID)
	assert.ErrorIs(t, err, ErrAlreadyPremium)
}

func TestCreateSubscriptionActiveRecordBlocksRegardlessOfPlan(t *testing.T) {
	repo := newMemRepository()
	// Plan column lagging behind the record must not open a second checkout.
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com", Plan: models.PlanFree})
	end := time.Now().Add(10 * 24 * time.Hour)
	sub := &models.Subscription{UserID: user.ID, PaymentRef: "pay_live", Status: models.SubscriptionStatusActive, CurrentPeriodEnd: &end}
	require.NoError(t, repo.CreateSubscription(sub))

	svc := newTestService(repo, &fakeGateway{configured: true})
	_, err := svc.CreateSubscription(context.Background(), user.ID)
	assert.ErrorIs(t, err, ErrAlreadyPremium)
}

func TestCreateSubscriptionReusesOpenCheckout(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com"})
	gw := &fakeGateway{configured: true, redirectURL: "https://gateway.test/checkout/abc"}
	svc := newTestService(repo, gw)

	first, err := svc.CreateSubscription(context.Background(), user.ID)
	require.NoError(t, err)

	// The second call resumes the open checkout instead of opening another.
	second, err := svc.CreateSubscription(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, first.PaymentRef, second.PaymentRef)
	assert.Equal(t, first.RedirectURL, second.RedirectURL)

	pendings := 0
	repo.mu.Lock()
	for _, s := range repo.subs {
		if s.Status == models.SubscriptionStatusPending {
			pendings++
		}
	}
	repo.mu.Unlock()
	assert.Equal(t, 1, pendings)

	// Once the redirect can no longer be replayed the purchase is refused
	// until the pending record settles.
	testRedis.FlushAll()
	_, err = svc.CreateSubscription(context.Background(), user.ID)
	assert.ErrorIs(t, err, ErrCheckoutInProgress)
}

func TestSucceededEventsActivateAtMostOneRecord(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com"})
	subA := &models.Subscription{UserID: user.ID, PaymentRef: "pay_a", Status: models.SubscriptionStatusPending}
	subB := &models.Subscription{UserID: user.ID, PaymentRef: "pay_b", Status: models.SubscriptionStatusPending}
	require.NoError(t, repo.CreateSubscription(subA))
	require.NoError(t, repo.CreateSubscription(subB))

	svc := newTestService(repo, &fakeGateway{configured: true})

	appliedA, err := svc.ApplyPaymentEvent(context.Background(), succeededEvent("pay_a"))
	require.NoError(t, err)
	assert.True(t, appliedA)

	appliedB, err := svc.ApplyPaymentEvent(context.Background(), succeededEvent("pay_b"))
	require.NoError(t, err)
	assert.False(t, appliedB)

	active := 0
	repo.mu.Lock()
	for _, s := range repo.subs {
		if s.Status == models.SubscriptionStatusActive {
			active++
		}
	}
	repo.mu.Unlock()
	assert.Equal(t, 1, active)

	// The losing grant is parked, not stranded pending.
	assert.Equal(t, models.SubscriptionStatusActive, repo.subByID(subA.ID).Status)
	assert.Equal(t, models.SubscriptionStatusFailed, repo.subByID(subB.ID).Status)

	got := repo.userByID(user.ID)
	assert.Equal(t, models.PlanPremium, got.Plan)
}

func TestApplyPaymentEventSucceededIsIdempotent(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com"})
	sub := &models.Subscription{UserID: user.ID, PaymentRef: "pay_1", Status: models.SubscriptionStatusPending}
	require.NoError(t, repo.CreateSubscription(sub))

	svc := newTestService(repo, &fakeGateway{configured: true})

	applied, err := svc.ApplyPaymentEvent(context.Background(), succeededEvent("pay_1"))
	require.NoError(t, err)
	assert.True(t, applied)

	// Duplicate delivery: no-op success.
	applied, err = svc.ApplyPaymentEvent(context.Background(), succeededEvent("pay_1"))
	require.NoError(t, err)
	assert.False(t, applied)

	got := repo.subByID(sub.ID)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.Equal(t, models.PlanPremium, repo.userByID(user.ID).Plan)
}

func TestApplyPaymentEventConcurrentDeliveries(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com"})
	sub := &models.Subscription{UserID: user.ID, PaymentRef: "pay_race", Status: models.SubscriptionStatusPending}
	require.NoError(t, repo.CreateSubscription(sub))

	svc := newTestService(repo, &fakeGateway{configured: true})

	// Webhook and callback re-query race to apply the same grant.
	const n = 16
	var wg sync.WaitGroup
	appliedCount := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := svc.ApplyPaymentEvent(context.Background(), succeededEvent("pay_race"))
			assert.NoError(t, err)
			appliedCount <- applied
		}()
	}
	wg.Wait()
	close(appliedCount)

	wins := 0
	for applied := range appliedCount {
		if applied {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one delivery applies the grant")
	assert.Equal(t, models.SubscriptionStatusActive, repo.subByID(sub.ID).Status)
	assert.Equal(t, models.PlanPremium, repo.userByID(user.ID).Plan)
}

func TestApplyPaymentEventCanceled(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com"})
	sub := &models.Subscription{UserID: user.ID, PaymentRef: "pay_c", Status: models.SubscriptionStatusPending}
	require.NoError(t, repo.CreateSubscription(sub))

	svc := newTestService(repo, &fakeGateway{configured: true})
	applied, err := svc.ApplyPaymentEvent(context.Background(), &payment.Event{
		Kind:       payment.KindPaymentCanceled,
		EventID:    "payment_canceled:pay_c",
		PaymentRef: "pay_c",
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.SubscriptionStatusFailed, repo.subByID(sub.ID).Status)
	assert.Equal(t, models.PlanFree, repo.userByID(user.ID).Plan)

	// A late success for the same payment must not resurrect it.
	applied, err = svc.ApplyPaymentEvent(context.Background(), succeededEvent("pay_c"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, models.SubscriptionStatusFailed, repo.subByID(sub.ID).Status)
}

func TestApplyPaymentEventRefundDowngrades(t *testing.T) {
	repo := newMemRepository()
	end := time.Now().Add(20 * 24 * time.Hour)
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com", Plan: models.PlanPremium, PlanExpiresAt: &end})
	sub := &models.Subscription{UserID: user.ID, PaymentRef: "pay_r", Status: models.SubscriptionStatusActive, CurrentPeriodEnd: &end}
	require.NoError(t, repo.CreateSubscription(sub))

	svc := newTestService(repo, &fakeGateway{configured: true})
	applied, err := svc.ApplyPaymentEvent(context.Background(), &payment.Event{
		Kind:       payment.KindRefundSucceeded,
		EventID:    "refund_succeeded:pay_r",
		PaymentRef: "pay_r",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	got := repo.subByID(sub.ID)
	assert.Equal(t, models.SubscriptionStatusRefunded, got.Status)
	assert.Nil(t, got.CurrentPeriodEnd)
	assert.NotNil(t, got.CanceledAt)

	u := repo.userByID(user.ID)
	assert.Equal(t, models.PlanFree, u.Plan)
	assert.Nil(t, u.PlanExpiresAt)
}

func TestApplyPaymentEventUnknownKindIsNoop(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com"})
	sub := &models.Subscription{UserID: user.ID, PaymentRef: "pay_u", Status: models.SubscriptionStatusPending}
	require.NoError(t, repo.CreateSubscription(sub))

	svc := newTestService(repo, &fakeGateway{configured: true})
	applied, err := svc.ApplyPaymentEvent(context.Background(), &payment.Event{
		Kind:       payment.KindOther,
		EventID:    "chargeback_opened:pay_u",
		PaymentRef: "pay_u",
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, models.SubscriptionStatusPending, repo.subByID(sub.ID).Status)
}

func TestRequestCancelKeepsAccessUntilPeriodEnd(t *testing.T) {
	repo := newMemRepository()
	end := time.Now().Add(12 * 24 * time.Hour)
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com", Plan: models.PlanPremium, PlanExpiresAt: &end})
	sub := &models.Subscription{UserID: user.ID, PaymentRef: "pay_k", Status: models.SubscriptionStatusActive, CurrentPeriodEnd: &end}
	require.NoError(t, repo.CreateSubscription(sub))

	svc := newTestService(repo, &fakeGateway{configured: true})
	got, err := svc.RequestCancel(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelAtPeriodEnd)

	stored := repo.subByID(sub.ID)
	assert.Equal(t, models.SubscriptionStatusActive, stored.Status)
	assert.True(t, stored.CancelAtPeriodEnd)
	// Tier untouched until the sweep.
	assert.Equal(t, models.PlanPremium, repo.userByID(user.ID).Plan)
}

func TestRequestCancelWithoutActiveSubscription(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com"})

	svc := newTestService(repo, &fakeGateway{configured: true})
	_, err := svc.RequestCancel(context.Background(), user.ID)
	assert.ErrorIs(t, err, ErrNoActiveSubscription)
	assert.Equal(t, models.PlanFree, repo.userByID(user.ID).Plan)
}

func TestQueryStatusRecoversLostWebhook(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com"})
	sub := &models.Subscription{UserID: user.ID, PaymentRef: "pay_lost", Status: models.SubscriptionStatusPending}
	require.NoError(t, repo.CreateSubscription(sub))

	gw := &fakeGateway{configured: true, status: payment.StatusSucceeded}
	svc := newTestService(repo, gw)
	// Clock far ahead of the record's UpdatedAt: stale beyond any threshold.
	svc.SetClock(func() time.Time { return time.Now().Add(time.Hour) })

	got, err := svc.QueryStatus(context.Background(), "pay_lost")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
	assert.Equal(t, models.PlanPremium, repo.userByID(user.ID).Plan)
}

func TestQueryStatusGatewayErrorReturnsCurrentState(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com"})
	sub := &models.Subscription{UserID: user.ID, PaymentRef: "pay_err", Status: models.SubscriptionStatusPending}
	require.NoError(t, repo.CreateSubscription(sub))

	gw := &fakeGateway{configured: true, statusErr: payment.ErrGatewayUnavailable}
	svc := newTestService(repo, gw)
	svc.SetClock(func() time.Time { return time.Now().Add(time.Hour) })

	got, err := svc.QueryStatus(context.Background(), "pay_err")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusPending, got.Status)
}

func TestSweepExpired(t *testing.T) {
	repo := newMemRepository()
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(24 * time.Hour)

	lapsed := repo.addUser(&models.User{Name: "lapsed", Email: "lapsed@example.com", Plan: models.PlanPremium, PlanExpiresAt: &past})
	current := repo.addUser(&models.User{Name: "current", Email: "current@example.com", Plan: models.PlanPremium, PlanExpiresAt: &future})

	lapsedSub := &models.Subscription{UserID: lapsed.ID, PaymentRef: "pay_lapsed", Status: models.SubscriptionStatusActive, CurrentPeriodEnd: &past}
	currentSub := &models.Subscription{UserID: current.ID, PaymentRef: "pay_current", Status: models.SubscriptionStatusActive, CurrentPeriodEnd: &future}
	require.NoError(t, repo.CreateSubscription(lapsedSub))
	require.NoError(t, repo.CreateSubscription(currentSub))

	svc := newTestService(repo, &fakeGateway{configured: true})
	n, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, models.SubscriptionStatusExpired, repo.subByID(lapsedSub.ID).Status)
	assert.Equal(t, models.PlanFree, repo.userByID(lapsed.ID).Plan)

	assert.Equal(t, models.SubscriptionStatusActive, repo.subByID(currentSub.ID).Status)
	assert.Equal(t, models.PlanPremium, repo.userByID(current.ID).Plan)
}

func TestSweepExpiredSkipsFallbackWithoutPeriodEnd(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com", Plan: models.PlanPremium})
	sub := &models.Subscription{UserID: user.ID, PaymentRef: "pay_fb", Status: models.SubscriptionStatusActive, FallbackGrant: true}
	require.NoError(t, repo.CreateSubscription(sub))

	svc := newTestService(repo, &fakeGateway{configured: true})
	n, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.PlanPremium, repo.userByID(user.ID).Plan)
}

func TestRequeryStalePending(t *testing.T) {
	repo := newMemRepository()
	user := repo.addUser(&models.User{Name: "mila", Email: "mila@example.com"})
	sub := &models.Subscription{UserID: user.ID, PaymentRef: "pay_stale", Status: models.SubscriptionStatusPending}
	require.NoError(t, repo.CreateSubscription(sub))

	gw := &fakeGateway{configured: true, status: payment.StatusCanceled}
	svc := newTestService(repo, gw)
	svc.SetClock(func() time.Time { return time.Now().Add(time.Hour) })

	n, err := svc.RequeryStalePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.SubscriptionStatusFailed, repo.subByID(sub.ID).Status)
}

func TestRecordEventDeduplicates(t *testing.T) {
	repo := newMemRepository()
	svc := newTestService(repo, &fakeGateway{configured: true})
	ctx := context.Background()

	in := EventInput{
		Provider:        payment.ProviderGateway,
		ProviderEventID: "payment_succeeded:pay_9",
		EventType:       "payment_succeeded",
		PaymentRef:      "pay_9",
		PayloadJSON:     `{"event":"payment_succeeded"}`,
		SignatureValid:  true,
	}

	created, first, err := svc.RecordEvent(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, first)

	created, second, err := svc.RecordEvent(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestRecordEventHashesMissingEventID(t *testing.T) {
	repo := newMemRepository()
	svc := newTestService(repo, &fakeGateway{configured: true})
	ctx := context.Background()

	created, stored, err := svc.RecordEvent(ctx, EventInput{PayloadJSON: `{"event":"x"}`})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Contains(t, stored.ProviderEventID, "hash:")

	created, _, err = svc.RecordEvent(ctx, EventInput{PayloadJSON: `{"event":"x"}`})
	require.NoError(t, err)
	assert.False(t, created, "same payload hashes to the same marker")
}

func TestMarkEventProcessed(t *testing.T) {
	repo := newMemRepository()
	svc := newTestService(repo, &fakeGateway{configured: true})
	ctx := context.Background()

	_, stored, err := svc.RecordEvent(ctx, EventInput{ProviderEventID: "ev_1", PayloadJSON: "{}"})
	require.NoError(t, err)

	require.NoError(t, svc.MarkEventProcessed(ctx, stored.ID, assert.AnError))
	for _, e := range repo.events {
		if e.ID == stored.ID {
			assert.NotNil(t, e.ProcessedAt)
			assert.Equal(t, assert.AnError.Error(), e.ProcessingError)
		}
	}
}
