package types

// TabInfo describes one attached browser tab.
type TabInfo struct {
	TargetID string
	URL      string
	ShortID  string
}

// TabInfoProvider resolves tab metadata by CDP target id.
type TabInfoProvider interface {
	GetByStringID(tabID string) (*TabInfo, bool)
}
