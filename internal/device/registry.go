package device

import (
	"sync"
)

// Counts summarises the registry by status and transport.
type Counts struct {
	Total       int               `json:"total"`
	Online      int               `json:"online"`
	ByStatus    map[Status]int    `json:"byStatus"`
	ByTransport map[Transport]int `json:"byTransport"`
}

// Registry 是按地址索引的设备表。写入方只有 discovery.Manager，
// 其它组件通过 Snapshot/Get 读取副本，允许落后一个扫描周期。
type Registry struct {
	mu      sync.RWMutex
	order   []string
	devices map[string]*Device
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Get returns a copy of the device stored under address.
func (r *Registry) Get(address string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[address]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// Snapshot returns copies of all devices in insertion order.
func (r *Registry) Snapshot() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, *r.devices[addr])
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Upsert stores dev, returning the previous record when one existed.
func (r *Registry) Upsert(dev Device) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.devices[dev.Address]
	if !ok {
		r.order = append(r.order, dev.Address)
		copied := dev
		r.devices[dev.Address] = &copied
		return Device{}, false
	}
	before := *prev
	*prev = dev
	return before, true
}

// Update applies fn to the stored device under the write lock and returns the
// record before and after the change.
func (r *Registry) Update(address string, fn func(*Device)) (Device, Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[address]
	if !ok {
		return Device{}, Device{}, false
	}
	before := *dev
	fn(dev)
	dev.Address = address
	return before, *dev, true
}

// Remove deletes address from the registry.
func (r *Registry) Remove(address string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[address]
	if !ok {
		return Device{}, false
	}
	delete(r.devices, address)
	for i, addr := range r.order {
		if addr == address {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return *dev, true
}

// Counts returns totals by status and transport.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := Counts{
		ByStatus:    make(map[Status]int),
		ByTransport: make(map[Transport]int),
	}
	for _, dev := range r.devices {
		c.Total++
		if dev.Status == StatusOnline {
			c.Online++
		}
		c.ByStatus[dev.Status]++
		c.ByTransport[dev.Transport]++
	}
	return c
}
