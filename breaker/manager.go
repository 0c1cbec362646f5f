package breaker

import (
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Manager owns one breaker per serviceKey so every outbound call site in a
// process shares failure state for the same collaborator.
type Manager struct {
	breakers *xsync.MapOf[string, *Breaker]
	cfg      Config
	logger   *zap.Logger
}

// NewManager creates a manager whose breakers are created lazily with cfg.
// A nil logger is replaced with a no-op logger.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	cfg.normalize()

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		breakers: xsync.NewMapOf[string, *Breaker](),
		cfg:      cfg,
		logger:   logger,
	}
}

// GetOrCreate returns the breaker for serviceKey, creating it on first use.
func (m *Manager) GetOrCreate(serviceKey string) *Breaker {
	b, loaded := m.breakers.LoadOrCompute(serviceKey, func() *Breaker {
		return New(serviceKey, m.cfg)
	})

	if !loaded {
		m.logger.Info("circuit breaker created", zap.String("service_key", serviceKey))
	}

	return b
}

// Execute runs operation through the breaker for serviceKey.
func (m *Manager) Execute(serviceKey string, operation func() (any, error)) (any, error) {
	b := m.GetOrCreate(serviceKey)

	before := b.State()
	result, err := b.Execute(operation)

	if after := b.State(); after != before {
		m.logger.Warn("circuit breaker state changed",
			zap.String("service_key", serviceKey),
			zap.String("from", before.String()),
			zap.String("to", after.String()))
	}

	return result, err
}

// State reports the current state for serviceKey; unknown keys are CLOSED,
// matching the state a freshly created breaker would have.
func (m *Manager) State(serviceKey string) State {
	if b, ok := m.breakers.Load(serviceKey); ok {
		return b.State()
	}

	return StateClosed
}
