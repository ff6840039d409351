// Package flashtest provides an in-memory flash.Platform with fault
// injection for tests.
package flashtest

import (
	"bytes"
	"errors"
	"sync"

	"github.com/probestation/probe-agent/internal/flash"
	"github.com/probestation/probe-agent/internal/otaerr"
)

// Platform is an in-memory flash.Platform. Exported fields may be set before
// use; counters are read through accessor methods.
type Platform struct {
	mu sync.Mutex

	Layout       []flash.Partition
	RunningLabel string
	BootLabel    string
	Images       map[string][]byte

	// FailWrite, when set, is consulted before every write.
	FailWrite func(label string, written int64) error
	// FailEnd, when set, makes End fail for the labelled partition.
	FailEnd map[string]error
	// FailSetBoot makes SetBoot fail.
	FailSetBoot error

	begun   []string
	aborted []string
	ended   []string
	boots   []string
	active  *session
}

// New returns a platform with the default layout running from app0.
func New() *Platform {
	return &Platform{
		Layout:       flash.DefaultLayout(),
		RunningLabel: "app0",
		BootLabel:    "app0",
		Images:       map[string][]byte{},
	}
}

func (p *Platform) find(label string) (flash.Partition, bool) {
	for _, part := range p.Layout {
		if part.Label == label {
			part.ImageSize = int64(len(p.Images[label]))
			return part, true
		}
	}
	return flash.Partition{}, false
}

func (p *Platform) Running() (flash.Partition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	part, ok := p.find(p.RunningLabel)
	if !ok {
		return flash.Partition{}, errors.New("running partition missing")
	}
	return part, nil
}

func (p *Platform) NextUpdate() (flash.Partition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, part := range p.Layout {
		if part.IsOTA() && part.Label != p.RunningLabel {
			return part, nil
		}
	}
	return flash.Partition{}, flash.ErrNoUpdatePartition
}

func (p *Platform) Data() (flash.Partition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, part := range p.Layout {
		if part.Kind == flash.KindData {
			return part, nil
		}
	}
	return flash.Partition{}, flash.ErrNoDataPartition
}

func (p *Platform) Begin(part flash.Partition) (flash.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		return nil, flash.ErrSessionOpen
	}
	return p.open(part), nil
}

func (p *Platform) BeginUpdate(image flash.Image, size int64) (flash.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		p.active.abortLocked()
	}
	var target flash.Partition
	for _, part := range p.Layout {
		if (image == flash.ImageData && part.Kind == flash.KindData) ||
			(image == flash.ImageApp && part.IsOTA() && part.Label != p.RunningLabel) {
			target = part
			break
		}
	}
	if target.Label == "" {
		return nil, flash.ErrNoDataPartition
	}
	if size > target.Size {
		return nil, otaerr.New(otaerr.Resource, "begin", "image too large")
	}
	return p.open(target), nil
}

func (p *Platform) open(part flash.Partition) *session {
	s := &session{p: p, part: part}
	p.active = s
	p.begun = append(p.begun, part.Label)
	return s
}

func (p *Platform) SetBoot(part flash.Partition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailSetBoot != nil {
		return p.FailSetBoot
	}
	if _, ok := p.Images[part.Label]; !ok {
		return errors.New("no committed image")
	}
	p.BootLabel = part.Label
	p.boots = append(p.boots, part.Label)
	return nil
}

// Begun returns the labels of every session opened, in order.
func (p *Platform) Begun() []string { return p.snapshot(&p.begun) }

// Aborted returns the labels of every aborted session.
func (p *Platform) Aborted() []string { return p.snapshot(&p.aborted) }

// Ended returns the labels of every committed session.
func (p *Platform) Ended() []string { return p.snapshot(&p.ended) }

// BootSets returns every label passed to a successful SetBoot.
func (p *Platform) BootSets() []string { return p.snapshot(&p.boots) }

// Image returns the committed bytes for label.
func (p *Platform) Image(label string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.Images[label]...)
}

func (p *Platform) snapshot(s *[]string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), (*s)...)
}

type session struct {
	p    *Platform
	part flash.Partition
	buf  bytes.Buffer
	done bool
}

func (s *session) Write(b []byte) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.done {
		return errors.New("session closed")
	}
	if s.p.FailWrite != nil {
		if err := s.p.FailWrite(s.part.Label, int64(s.buf.Len())); err != nil {
			return err
		}
	}
	if int64(s.buf.Len()+len(b)) > s.part.Size {
		return otaerr.New(otaerr.Resource, "write", "write exceeds partition")
	}
	s.buf.Write(b)
	return nil
}

func (s *session) End() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.done {
		return errors.New("session closed")
	}
	if err := s.p.FailEnd[s.part.Label]; err != nil {
		s.abortLocked()
		return err
	}
	s.done = true
	s.p.active = nil
	s.p.Images[s.part.Label] = append([]byte(nil), s.buf.Bytes()...)
	s.p.ended = append(s.p.ended, s.part.Label)
	return nil
}

func (s *session) Abort() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.abortLocked()
	return nil
}

func (s *session) abortLocked() {
	if s.done {
		return
	}
	s.done = true
	if s.p.active == s {
		s.p.active = nil
	}
	s.p.aborted = append(s.p.aborted, s.part.Label)
}
