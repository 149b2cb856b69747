package transport

import (
	"sync"
	"time"

	"pacview/protocol"
)

// DefaultProbeInterval is the liveness probe period while connected.
const DefaultProbeInterval = 5 * time.Second

// Outstanding probes are kept in a ring; a pong for an overwritten slot is ignored.
const probeDimension = 10

type probeInfo struct {
	id   uint32
	sent time.Time
}

type prober struct {
	mu     sync.Mutex
	id     uint32
	probes [probeDimension]probeInfo
}

// issue records a new outstanding probe and returns the ping to send.
func (p *prober) issue(now time.Time) protocol.Ping {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.id++
	p.probes[p.id%probeDimension] = probeInfo{id: p.id, sent: now}
	return protocol.Ping{ID: p.id, Sent: now}
}

// complete matches a pong to its probe and returns the round trip.
func (p *prober) complete(pong protocol.Pong, now time.Time) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := pong.ID % probeDimension
	probe := p.probes[idx]
	if probe.id == 0 || probe.id != pong.ID || !probe.sent.Equal(pong.Sent) {
		return 0, false
	}
	p.probes[idx] = probeInfo{}

	rtt := now.Sub(probe.sent)
	if rtt < 0 {
		return 0, false
	}
	return rtt, true
}

// reset forgets outstanding probes, e.g. for a new session.
func (p *prober) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes = [probeDimension]probeInfo{}
}
