package systemd

// MockManager is a test helper implementing ServiceManager.
type MockManager struct {
	EnableFunc   func(unitName string) error
	RestartFunc  func(unitName string) error
	StatusFunc   func(unitName string) (string, error)
	IsActiveFunc func(unitName string) bool
}

func (m *MockManager) Enable(unitName string) error {
	if m != nil && m.EnableFunc != nil {
		return m.EnableFunc(unitName)
	}
	return nil
}

func (m *MockManager) Restart(unitName string) error {
	if m != nil && m.RestartFunc != nil {
		return m.RestartFunc(unitName)
	}
	return nil
}

func (m *MockManager) Status(unitName string) (string, error) {
	if m != nil && m.StatusFunc != nil {
		return m.StatusFunc(unitName)
	}
	return "active", nil
}

func (m *MockManager) IsActive(unitName string) bool {
	if m != nil && m.IsActiveFunc != nil {
		return m.IsActiveFunc(unitName)
	}
	status, err := m.Status(unitName)
	return err == nil && status == "active"
}
