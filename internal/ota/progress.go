package ota

import (
	"sync"
	"sync/atomic"
)

// Progress is the published status of the subsystem.
type Progress struct {
	State   State  `json:"state" yaml:"state"`
	Target  Target `json:"target" yaml:"target"`
	Percent int    `json:"progress" yaml:"progress"`
	Message string `json:"message" yaml:"message"`
	Error   string `json:"error" yaml:"error"`
}

// progressBox publishes immutable Progress snapshots. Writers serialise on
// mu; readers load the current pointer and never block.
type progressBox struct {
	mu  sync.Mutex
	cur atomic.Pointer[Progress]
}

func newProgressBox() *progressBox {
	b := &progressBox{}
	b.cur.Store(&Progress{State: StateIdle, Message: "Idle"})
	return b
}

func (b *progressBox) load() Progress { return *b.cur.Load() }

// update applies fn to a copy of the current value and publishes it. It
// returns the new value and whether fn reported a change.
func (b *progressBox) update(fn func(p *Progress) bool) (Progress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := *b.cur.Load()
	if !fn(&next) {
		return next, false
	}
	b.cur.Store(&next)
	return next, true
}

func (b *progressBox) set(p Progress) Progress {
	out, _ := b.update(func(cur *Progress) bool { *cur = p; return true })
	return out
}
