package manager

import (
	"context"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/config"
)

// ApplyConfigDiff applies a computed diff in the spec-mandated order:
// (1) close+drop every removed entry, (2) reconnect entries (close old,
// add new), (3) add new entries, (4) update category-only metadata for
// updated entries. newConfig becomes the manager's stored configuration.
func (m *Manager) ApplyConfigDiff(ctx context.Context, diff config.Diff, newConfig map[string]config.ServerConfig) {
	for _, name := range diff.Servers.Removed {
		m.dropClient(name)
	}

	for _, name := range diff.Servers.Reconnect {
		m.dropClient(name)
		if entry, ok := newConfig[name]; ok {
			if err := m.addClient(ctx, name, entry); err != nil {
				m.logger.Warn("reconnect failed", "upstream", name, "error", err)
			}
		}
	}

	for _, name := range diff.Servers.Added {
		if entry, ok := newConfig[name]; ok {
			if err := m.addClient(ctx, name, entry); err != nil {
				m.logger.Warn("connect of added upstream failed", "upstream", name, "error", err)
			}
		}
	}

	for _, name := range diff.Servers.Updated {
		entry, ok := newConfig[name]
		if !ok {
			continue
		}
		m.mu.Lock()
		tc, tracked := m.clients[name]
		m.mu.Unlock()
		if !tracked {
			continue
		}
		category := ""
		if entry.Bridge != nil {
			category = entry.Bridge.Category
		}
		tc.category = category
		if category != "" {
			m.registry.SetCategoryForSource(name, category)
		} else {
			m.registry.RemoveCategoryForSource(name)
		}
	}

	m.mu.Lock()
	m.config = cloneConfig(newConfig)
	m.mu.Unlock()
}

func (m *Manager) dropClient(name string) {
	m.mu.Lock()
	tc, ok := m.clients[name]
	if ok {
		delete(m.clients, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	tc.unsubStatus()
	tc.unsubTools()
	_ = tc.client.Close()
	m.registry.RemoveSource(name)
	m.registry.RemoveCategoryForSource(name)
}
