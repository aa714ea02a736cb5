package manager

import (
	"context"
	"time"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/client"
)

// RestartHealthChecks stops any running health loop and starts a new one at
// the given interval (seconds; 0 disables health checking entirely).
func (m *Manager) RestartHealthChecks(intervalSeconds int) {
	m.stopHealthLoopLocked()
	m.startHealthLoop(intervalSeconds)
}

func (m *Manager) startHealthLoop(intervalSeconds int) {
	if intervalSeconds <= 0 {
		return
	}

	m.healthMu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel
	done := make(chan struct{})
	m.healthDone = done
	m.healthMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.healthTick(ctx)
			}
		}
	}()
}

func (m *Manager) stopHealthLoopLocked() {
	m.healthMu.Lock()
	cancel := m.healthCancel
	done := m.healthDone
	m.healthCancel = nil
	m.healthDone = nil
	m.healthMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// healthTick runs one health-check pass over every connected client.
func (m *Manager) healthTick(ctx context.Context) {
	m.mu.RLock()
	type target struct {
		name string
		tc   *trackedClient
	}
	var targets []target
	for name, tc := range m.clients {
		targets = append(targets, target{name, tc})
	}
	m.mu.RUnlock()

	for _, t := range targets {
		m.pingOne(ctx, t.name, t.tc)
	}
}

func (m *Manager) pingOne(ctx context.Context, name string, tc *trackedClient) {
	if tc.client.Status() != client.StatusConnected {
		return
	}

	m.mu.Lock()
	if tc.pingInFlight {
		m.mu.Unlock()
		return
	}
	tc.pingInFlight = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		tc.pingInFlight = false
		m.mu.Unlock()
	}()

	err := tc.client.Ping(ctx, pingTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		wasUnhealthy := tc.health == HealthUnhealthy
		tc.consecutiveFails = 0
		tc.health = HealthHealthy
		tc.lastPingAt = time.Now()
		m.metrics.pingSuccess(name)
		if wasUnhealthy {
			m.logger.Info("upstream recovered", "upstream", name)
		}
		return
	}

	tc.consecutiveFails++
	tc.health = HealthUnhealthy
	m.metrics.pingFailure(name)
	m.logger.Warn("upstream ping failed", "upstream", name, "consecutive_failures", tc.consecutiveFails, "error", err)

	if tc.consecutiveFails >= unhealthyThreshold {
		m.logger.Error("upstream unhealthy threshold reached, reconnecting", "upstream", name)
		tc.consecutiveFails = 0
		tc.health = HealthUnknown
		go func() {
			if err := tc.client.Reconnect(context.Background()); err != nil {
				m.logger.Error("forced reconnect failed", "upstream", name, "error", err)
			}
		}()
	}
}
