package main

import (
	lua "github.com/yuin/gopher-lua"
)

// maxConsecutiveFaults is how many times in a row a callback may raise
// before it is disconnected.
const maxConsecutiveFaults = 3

// SignalConnection is one connected callback. Either fn (a script function)
// or goFn (an engine-side callback) is set.
type SignalConnection struct {
	id     int
	signal *Signal
	fn     *lua.LFunction
	goFn   func(args ...any)

	faults    int
	connected bool
}

// Disconnect removes the connection from its signal.
func (c *SignalConnection) Disconnect() {
	if c == nil || !c.connected {
		return
	}
	c.connected = false
	c.signal.remove(c)
}

// Connected reports whether the connection is still live.
func (c *SignalConnection) Connected() bool { return c != nil && c.connected }

// Signal is a plain fan-out list fired synchronously on the calling thread
// in connection order.
type Signal struct {
	name   string
	nextID int
	conns  []*SignalConnection
}

// NewSignal creates an empty signal.
func NewSignal(name string) *Signal { return &Signal{name: name} }

// Connect adds a script callback.
func (s *Signal) Connect(fn *lua.LFunction) *SignalConnection {
	s.nextID++
	c := &SignalConnection{id: s.nextID, signal: s, fn: fn, connected: true}
	s.conns = append(s.conns, c)
	return c
}

// ConnectGo adds an engine-side callback.
func (s *Signal) ConnectGo(fn func(args ...any)) *SignalConnection {
	s.nextID++
	c := &SignalConnection{id: s.nextID, signal: s, goFn: fn, connected: true}
	s.conns = append(s.conns, c)
	return c
}

func (s *Signal) remove(c *SignalConnection) {
	for i, cc := range s.conns {
		if cc == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

// ConnectionCount returns the number of live connections.
func (s *Signal) ConnectionCount() int { return len(s.conns) }

// DisconnectAll drops every connection, used when a node is destroyed.
func (s *Signal) DisconnectAll() {
	for _, c := range s.conns {
		c.connected = false
	}
	s.conns = nil
}

// Fire invokes every connection in order. Script callbacks run through the
// host so faults are contained: a callback that raises three consecutive
// times is disconnected and logged; the tick continues.
func (s *Signal) Fire(host *ScriptEngine, args ...any) {
	// Snapshot so callbacks may connect/disconnect while firing.
	conns := make([]*SignalConnection, len(s.conns))
	copy(conns, s.conns)
	for _, c := range conns {
		if !c.connected {
			continue
		}
		if c.goFn != nil {
			c.goFn(args...)
			continue
		}
		if host == nil {
			continue
		}
		if err := host.CallFunction(c.fn, args...); err != nil {
			c.faults++
			host.logger.Errorf("signal %s callback fault (%d/%d): %v", s.name, c.faults, maxConsecutiveFaults, err)
			scriptFaultsTotal.Inc()
			if c.faults >= maxConsecutiveFaults {
				host.logger.Warnf("signal %s callback disabled after %d consecutive faults", s.name, c.faults)
				c.Disconnect()
			}
			continue
		}
		c.faults = 0
	}
}
