package fake_pf_manager

import (
	"sync"
)

type FakePFManager struct {
	Refreshes    int
	RefreshError error

	sync.RWMutex
}

func New() *FakePFManager {
	return &FakePFManager{}
}

func (m *FakePFManager) RefreshAnchor() error {
	m.Lock()
	defer m.Unlock()

	m.Refreshes++

	return m.RefreshError
}

func (m *FakePFManager) RefreshCount() int {
	m.RLock()
	defer m.RUnlock()

	return m.Refreshes
}
