package ota

// Event is a notification from the orchestrator. The concrete types are
// StateChanged, ProgressChanged and ReleaseFetched.
type Event interface {
	isEvent()
}

// StateChanged is sent on every state transition.
type StateChanged struct {
	Progress Progress
}

// ProgressChanged is sent when the percent of the current phase changes.
type ProgressChanged struct {
	Progress Progress
}

// ReleaseFetched is sent after a successful release check.
type ReleaseFetched struct {
	Release ReleaseView
}

func (StateChanged) isEvent()    {}
func (ProgressChanged) isEvent() {}
func (ReleaseFetched) isEvent()  {}
