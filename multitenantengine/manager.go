package multitenantengine

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/rules"
)

// ErrTenantNotFound is returned for lookups of tenants the manager has
// not loaded.
var ErrTenantNotFound = errors.New("tenant not found")

// TenantEngine wraps a rules.Engine with tenant-specific wiring. Each
// tenant gets its own engine instance, store, and audit recorder over
// the shared database, so rule sets and registries never leak across
// tenants.
type TenantEngine struct {
	TenantID string
	Engine   *rules.Engine
	Store    rules.RuleStore
	Recorder *rules.PostgresRecorder
}

// Manager owns the engines for all tenants. Engines are created at load
// time; rule-set changes take effect through Engine.Reload, which swaps
// the tenant's registry snapshot atomically with zero downtime.
type Manager struct {
	engines  map[string]*TenantEngine
	db       *sql.DB
	handlers *rules.HandlerRegistry
	metrics  *rules.Metrics
	mu       sync.RWMutex
}

// NewManager creates a manager. The handler registry is shared across
// tenants: action types are a deployment concern, not a tenant concern.
func NewManager(db *sql.DB, handlers *rules.HandlerRegistry) *Manager {
	return &Manager{
		engines:  make(map[string]*TenantEngine),
		db:       db,
		handlers: handlers,
	}
}

// SetMetrics attaches one metrics collector to every engine created
// after the call. Tenant engines share the collector; the counters
// aggregate across tenants.
func (m *Manager) SetMetrics(metrics *rules.Metrics) {
	m.metrics = metrics
}

// LoadAllTenants loads every tenant from the database and initializes
// its engine. Rules rejected during a tenant's load are logged; they do
// not block the tenant or its valid rules.
func (m *Manager) LoadAllTenants() error {
	rows, err := m.db.Query(`SELECT id FROM tenants ORDER BY created_at ASC`)
	if err != nil {
		return fmt.Errorf("failed to fetch tenants: %w", err)
	}
	defer rows.Close()

	var tenantIDs []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return fmt.Errorf("failed to scan tenant row: %w", err)
		}
		tenantIDs = append(tenantIDs, tenantID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tenant rows: %w", err)
	}

	for _, tenantID := range tenantIDs {
		if err := m.CreateTenant(tenantID); err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", tenantID, err)
		}
	}

	return nil
}

// CreateTenant initializes an engine for a tenant, loading its rule set
// from the database.
func (m *Manager) CreateTenant(tenantID string) error {
	store := rules.NewPostgresRuleStore(m.db, tenantID)
	recorder := rules.NewPostgresRecorder(m.db, tenantID)

	engine, err := rules.NewEngine(m.handlers, recorder)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if m.metrics != nil {
		engine.SetMetrics(m.metrics)
	}
	engine.SetStore(store)

	rejected, err := engine.Reload()
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	for _, cfgErr := range rejected {
		logger.Warn("tenant rule rejected at load",
			"tenant", tenantID, "ruleId", cfgErr.RuleID, "reason", cfgErr.Reason)
	}

	m.mu.Lock()
	m.engines[tenantID] = &TenantEngine{
		TenantID: tenantID,
		Engine:   engine,
		Store:    store,
		Recorder: recorder,
	}
	m.mu.Unlock()

	logger.Info("tenant engine loaded", "tenant", tenantID, "rules", engine.RuleCount())
	return nil
}

// GetEngine retrieves the engine for a tenant.
func (m *Manager) GetEngine(tenantID string) (*rules.Engine, error) {
	te, err := m.get(tenantID)
	if err != nil {
		return nil, err
	}
	return te.Engine, nil
}

// GetStore retrieves the rule store for a tenant.
func (m *Manager) GetStore(tenantID string) (rules.RuleStore, error) {
	te, err := m.get(tenantID)
	if err != nil {
		return nil, err
	}
	return te.Store, nil
}

// GetRecorder retrieves the audit recorder for a tenant.
func (m *Manager) GetRecorder(tenantID string) (*rules.PostgresRecorder, error) {
	te, err := m.get(tenantID)
	if err != nil {
		return nil, err
	}
	return te.Recorder, nil
}

func (m *Manager) get(tenantID string) (*TenantEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}
	return te, nil
}

// ReloadTenant re-reads a tenant's rule set from the database and swaps
// it in. A failed read leaves the previous rule set fully operative.
func (m *Manager) ReloadTenant(tenantID string) ([]*rules.ConfigurationError, error) {
	te, err := m.get(tenantID)
	if err != nil {
		return nil, err
	}
	return te.Engine.Reload()
}

// ListTenants returns all loaded tenant IDs.
func (m *Manager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.engines))
	for tenantID := range m.engines {
		tenants = append(tenants, tenantID)
	}
	return tenants
}

// DeleteTenant removes a tenant's engine from the manager. The tenant's
// rows in the database are untouched.
func (m *Manager) DeleteTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[tenantID]; !exists {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}

	delete(m.engines, tenantID)
	return nil
}
