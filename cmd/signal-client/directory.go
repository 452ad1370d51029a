package main

import "sync"

// directory remembers the last peer list pushed by the relay.
type directory struct {
	mu    sync.Mutex
	peers []string
}

func (d *directory) set(peers []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers = append([]string(nil), peers...)
}

func (d *directory) get() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.peers...)
}
