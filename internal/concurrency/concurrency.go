// Package concurrency is the Concurrency Manager (§4.D): a two-level,
// in-memory map tracking active PipelineSlots per (project, feature),
// generalized from internal/controller/container_pool.go's
// mutex-guarded map[ContainerRole]*ManagedContainer.
package concurrency

import (
	"fmt"
	"sort"
	"time"

	"sync"

	"github.com/andywolf/pipewright/internal/domain"
)

// Manager tracks active PipelineSlots per project, enforcing each
// project's concurrency cap. It is pure in-memory: after a restart the
// Watcher rebuilds it from the store on its next cycle.
type Manager struct {
	mu       sync.Mutex
	projects map[string]map[string]domain.PipelineSlot // projectID -> featureID -> slot
	now      func() time.Time
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		projects: make(map[string]map[string]domain.PipelineSlot),
		now:      time.Now,
	}
}

// CanStart reports whether activeCount(project) < cap.
func (m *Manager) CanStart(projectID string, cap int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.projects[projectID]) < cap
}

// Acquire creates a PipelineSlot for (projectID, featureID). It errors if a
// slot already exists for that feature — a double-acquire indicates a bug
// in the caller (the Watcher must not admit a feature it has already
// admitted).
func (m *Manager) Acquire(projectID, featureID string) (domain.PipelineSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	feats, ok := m.projects[projectID]
	if !ok {
		feats = make(map[string]domain.PipelineSlot)
		m.projects[projectID] = feats
	}
	if _, exists := feats[featureID]; exists {
		return domain.PipelineSlot{}, fmt.Errorf("concurrency: slot already held for project %s feature %s", projectID, featureID)
	}
	slot := domain.PipelineSlot{ProjectID: projectID, FeatureID: featureID, AcquiredAt: m.now()}
	feats[featureID] = slot
	return slot, nil
}

// Release removes the slot for (projectID, featureID) if one exists,
// cleaning up the project entry once it is empty. Idempotent: releasing a
// feature with no slot is a no-op.
func (m *Manager) Release(projectID, featureID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	feats, ok := m.projects[projectID]
	if !ok {
		return
	}
	delete(feats, featureID)
	if len(feats) == 0 {
		delete(m.projects, projectID)
	}
}

// IsActive reports whether a slot currently exists for (projectID, featureID).
func (m *Manager) IsActive(projectID, featureID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.projects[projectID][featureID]
	return ok
}

// ActiveCount returns the number of active slots for projectID.
func (m *Manager) ActiveCount(projectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.projects[projectID])
}

// ListActive returns every active slot for projectID, ordered by feature ID
// for deterministic iteration.
func (m *Manager) ListActive(projectID string) []domain.PipelineSlot {
	m.mu.Lock()
	defer m.mu.Unlock()

	feats := m.projects[projectID]
	out := make([]domain.PipelineSlot, 0, len(feats))
	for _, slot := range feats {
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out
}
