// Package gateway composes every subsystem into the single-threaded
// cooperative loop: the command/event bus, the Client Lock Manager,
// and the tick that drives Device Connection, Discovery, the Interval
// Manager, Spot Values, and Firmware Update in priority order.
//
// Gateway is the single top-level owning struct: every subsystem is a
// named field rather than a package-level singleton, so more than one
// gateway instance can run in the same process.
package gateway

import "sync"

// LockManager owns the {nodeId ↔ clientId} bijection: each device can
// be held by at most one client, and each client holds at most one
// device at a time.
type LockManager struct {
	mu            sync.Mutex
	deviceLocks   map[uint8]string
	clientDevices map[string]uint8
}

func NewLockManager() *LockManager {
	return &LockManager{
		deviceLocks:   map[uint8]string{},
		clientDevices: map[string]uint8{},
	}
}

// TryAcquire returns true iff node is unlocked or already held by
// client. Acquiring atomically releases the client's previous lock, so
// deviceLocks and clientDevices remain each other's inverse at every
// observable moment.
func (l *LockManager) TryAcquire(node uint8, client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if holder, locked := l.deviceLocks[node]; locked && holder != client {
		return false
	}
	if prev, ok := l.clientDevices[client]; ok && prev != node {
		delete(l.deviceLocks, prev)
	}
	l.deviceLocks[node] = client
	l.clientDevices[client] = node
	return true
}

func (l *LockManager) Release(node uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if client, ok := l.deviceLocks[node]; ok {
		delete(l.deviceLocks, node)
		delete(l.clientDevices, client)
	}
}

// ReleaseClient drops every lock held by client, used on disconnect.
func (l *LockManager) ReleaseClient(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if node, ok := l.clientDevices[client]; ok {
		delete(l.clientDevices, client)
		delete(l.deviceLocks, node)
	}
}

func (l *LockManager) IsLocked(node uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.deviceLocks[node]
	return ok
}

// Holder reports which client currently holds node, if any.
func (l *LockManager) Holder(node uint8) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.deviceLocks[node]
	return c, ok
}

// Owns reports whether client is the holder of node — mutating
// commands use this to reject non-holders with Locked.
func (l *LockManager) Owns(node uint8, client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deviceLocks[node] == client
}
