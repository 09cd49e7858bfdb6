package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/nebulachat/NebulaChat/app/models"
	"github.com/nebulachat/NebulaChat/internal/pkg/quota"
	"github.com/nebulachat/NebulaChat/internal/pkg/subscription"
)

const quotaFlushInterval = 5 * time.Minute

// Manager runs the periodic reconciliation tasks: expiring lapsed
// subscriptions, re-querying stale pending payments, and flushing quota
// counters from Redis into the users table.
type Manager struct {
	svc    *subscription.Service
	ledger *quota.Ledger

	expiryTicker  *time.Ticker
	requeryTicker *time.Ticker
	flushTicker   *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global sweeper manager (singleton). The first call
// wires it to the given service and ledger; later calls may pass nil.
func GetManager(svc *subscription.Service, ledger *quota.Ledger) *Manager {
	managerOnce.Do(func() {
		globalManager = &Manager{
			svc:    svc,
			ledger: ledger,
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
}

// Start launches the background workers. Intervals come from app settings so
// operators can tune cadence without a redeploy.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate the stop channel so the manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true

	expiryInterval := time.Hour
	requeryInterval := 5 * time.Minute
	if settings := models.GetAppSettings(); settings != nil {
		expiryInterval = settings.GetSubscriptionSweepInterval()
		requeryInterval = settings.GetPendingRequeryInterval()
	}

	log.Infof("[Sweeper] Starting (expiry sweep every %s, pending re-query every %s)", expiryInterval, requeryInterval)

	m.expiryTicker = time.NewTicker(expiryInterval)
	m.wg.Add(1)
	go m.expiryWorker()

	m.requeryTicker = time.NewTicker(requeryInterval)
	m.wg.Add(1)
	go m.requeryWorker()

	m.flushTicker = time.NewTicker(quotaFlushInterval)
	m.wg.Add(1)
	go m.flushWorker()
}

// Stop signals all workers and waits for them to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Sweeper] Stopping background workers...")

	if m.expiryTicker != nil {
		m.expiryTicker.Stop()
	}
	if m.requeryTicker != nil {
		m.requeryTicker.Stop()
	}
	if m.flushTicker != nil {
		m.flushTicker.Stop()
	}

	close(m.stopCh)
	m.running = false

	m.wg.Wait()

	log.Info("[Sweeper] Stopped")
}

func (m *Manager) expiryWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[Sweeper] Expiry worker stopping")
			return
		case <-m.expiryTicker.C:
			n, err := m.svc.SweepExpired(context.Background())
			if err != nil {
				log.Errorf("[Sweeper] Expiry sweep error: %v", err)
			} else if n > 0 {
				log.Infof("[Sweeper] Expired %d lapsed subscriptions", n)
			}
		}
	}
}

func (m *Manager) requeryWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[Sweeper] Re-query worker stopping")
			return
		case <-m.requeryTicker.C:
			n, err := m.svc.RequeryStalePending(context.Background())
			if err != nil {
				log.Errorf("[Sweeper] Pending re-query error: %v", err)
			} else if n > 0 {
				log.Infof("[Sweeper] Resolved %d stale pending subscriptions", n)
			}
		}
	}
}

func (m *Manager) flushWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[Sweeper] Quota flush worker stopping")
			return
		case <-m.flushTicker.C:
			if err := m.ledger.FlushToDB(context.Background()); err != nil {
				log.Errorf("[Sweeper] Quota flush error: %v", err)
			}
		}
	}
}
