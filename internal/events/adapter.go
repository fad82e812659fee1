package events

// GroupHandler 是组仓库对外暴露的事件处理契约。
type GroupHandler interface {
	ID() string
	OnMembershipChanged(memberIDs []string)
	OnLocalStatusChanged(canServiceRequests bool)
	OnStarted()
	OnRegistered()
}

// GroupAdapter 把总线事件路由到指定组仓库；Started 为广播事件。
func GroupAdapter(g GroupHandler) Handler {
	return func(e Event) {
		if e.Kind != Started && e.RepositoryID != g.ID() {
			return
		}
		switch e.Kind {
		case MembersChanged:
			g.OnMembershipChanged(append([]string(nil), e.MemberIDs...))
		case LocalStatusChanged:
			g.OnLocalStatusChanged(e.CanServiceRequests)
		case Started:
			g.OnStarted()
		case Registered:
			g.OnRegistered()
		}
	}
}
