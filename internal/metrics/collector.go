// Package metrics samples host memory for update pre-flight checks.
package metrics

import (
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
)

// Memory is one sample. MinFree is the lowest Free seen since start.
type Memory struct {
	Free    uint64 `json:"freeHeap" yaml:"free"`
	MinFree uint64 `json:"minFreeHeap" yaml:"min_free"`
	Total   uint64 `json:"total" yaml:"total"`
}

// Collector tracks available memory and its low-water mark.
type Collector struct {
	mu      sync.Mutex
	last    Memory
	sampled bool

	read func() (*mem.VirtualMemoryStat, error)
}

// New returns a Collector reading from the host.
func New() *Collector {
	return &Collector{read: mem.VirtualMemory}
}

// Sample reads memory now and updates the low-water mark. On a read error
// the previous sample is returned unchanged.
func (c *Collector) Sample() Memory {
	vm, err := c.read()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil || vm == nil {
		return c.last
	}
	c.last.Free = vm.Available
	c.last.Total = vm.Total
	if !c.sampled || vm.Available < c.last.MinFree {
		c.last.MinFree = vm.Available
	}
	c.sampled = true
	return c.last
}

// FreeMemory samples and returns available bytes.
func (c *Collector) FreeMemory() uint64 { return c.Sample().Free }

// MinFreeMemory returns the lowest available bytes seen so far.
func (c *Collector) MinFreeMemory() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.MinFree
}
