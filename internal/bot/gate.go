package bot

import "sync"

const maxHeldEvents = 4096

// eventGate holds gateway events until the captcha module has loaded its
// guilds, then replays them in arrival order.
type eventGate struct {
	mu      sync.Mutex
	open    bool
	held    []func()
	dropped int
}

// run calls fn now when the gate is open and queues it otherwise. Events
// past maxHeldEvents are dropped and counted.
func (g *eventGate) run(fn func()) {
	g.mu.Lock()
	if !g.open {
		if len(g.held) >= maxHeldEvents {
			g.dropped++
		} else {
			g.held = append(g.held, fn)
		}
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	fn()
}

// release opens the gate and replays the held events. It returns how many
// were replayed and how many were dropped.
func (g *eventGate) release() (int, int) {
	g.mu.Lock()
	if g.open {
		g.mu.Unlock()
		return 0, 0
	}
	g.open = true
	held, dropped := g.held, g.dropped
	g.held, g.dropped = nil, 0
	g.mu.Unlock()

	for _, fn := range held {
		fn()
	}
	return len(held), dropped
}
