package engine

import "sort"

// IsBlocked — максимально быстрый метод для проверки в Hot Path
func (m *KillSwitchManager) IsBlocked(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, blocked := m.blockedAgents[agentID]
	return blocked
}

// Blocked возвращает отсортированный список заблокированных агентов
func (m *KillSwitchManager) Blocked() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.blockedAgents))
	for id := range m.blockedAgents {
		out = append(out, id)
	}
	m.mu.RUnlock()

	sort.Strings(out)
	return out
}
