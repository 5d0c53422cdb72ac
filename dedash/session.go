package dedash

import (
	"context"
	"sync"

	"github.com/hazyhaar/dedash/dedash/internal/engine"
	"github.com/hazyhaar/dedash/dedash/internal/page"
)

// session is the engine's view of the current chat tab. The tab is
// replaced when Chrome is recycled; the engine and its state are not.
// Without a tab the document has no root and the engine keeps retrying.
type session struct {
	mu  sync.RWMutex
	cur *page.Page
}

var (
	_ engine.Document = (*session)(nil)
	_ engine.Display  = (*session)(nil)
)

func (s *session) set(p *page.Page) *page.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cur
	s.cur = p
	return old
}

func (s *session) get() *page.Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *session) RootReady(ctx context.Context) (bool, error) {
	p := s.get()
	if p == nil {
		return false, nil
	}
	return p.RootReady(ctx)
}

func (s *session) Watch(ctx context.Context) error {
	p := s.get()
	if p == nil {
		return errNoTab
	}
	return p.Watch(ctx)
}

func (s *session) Containers(ctx context.Context) ([]engine.Container, error) {
	p := s.get()
	if p == nil {
		return nil, nil
	}
	return p.Containers(ctx)
}

func (s *session) Latest(ctx context.Context) (engine.Container, error) {
	p := s.get()
	if p == nil {
		return nil, nil
	}
	return p.Latest(ctx)
}

func (s *session) Scan(ctx context.Context, c engine.Container) (*engine.Scan, error) {
	p := s.get()
	if p == nil {
		return nil, nil
	}
	return p.Scan(ctx, c)
}

func (s *session) Rewrite(ctx context.Context, sc *engine.Scan, edits []engine.Edit) ([]engine.Fragment, error) {
	p := s.get()
	if p == nil {
		return nil, errNoTab
	}
	return p.Rewrite(ctx, sc, edits)
}

func (s *session) Show(ctx context.Context, total int) error {
	if p := s.get(); p != nil {
		return p.Show(ctx, total)
	}
	return nil
}

func (s *session) Hide(ctx context.Context) error {
	if p := s.get(); p != nil {
		return p.Hide(ctx)
	}
	return nil
}

func (s *session) Highlight(ctx context.Context, frags []engine.Fragment) error {
	if p := s.get(); p != nil {
		return p.Highlight(ctx, frags)
	}
	return nil
}
