package engine

// guard is the processing set: the containers whose Process call is
// currently running. Membership ends when the call returns, so a container
// can be processed again later.
type guard struct {
	active map[string]struct{}
}

func newGuard() *guard {
	return &guard{active: make(map[string]struct{})}
}

// enter registers id and reports false if it was already registered.
func (g *guard) enter(id string) bool {
	if _, ok := g.active[id]; ok {
		return false
	}
	g.active[id] = struct{}{}
	return true
}

func (g *guard) leave(id string) {
	delete(g.active, id)
}

func (g *guard) has(id string) bool {
	_, ok := g.active[id]
	return ok
}

func (g *guard) len() int { return len(g.active) }
