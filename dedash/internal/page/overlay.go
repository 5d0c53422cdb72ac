package page

import (
	"context"
	"fmt"

	"github.com/hazyhaar/dedash/dedash/internal/engine"
)

// Show displays the counter with the running total.
func (p *Page) Show(ctx context.Context, total int) error {
	return p.invoke(ctx, nil, "show", counterText(total))
}

// Hide slides the counter out. The element stays in the page.
func (p *Page) Hide(ctx context.Context) error {
	return p.invoke(ctx, nil, "hide")
}

// Highlight fades the highlight of freshly rewritten fragments.
func (p *Page) Highlight(ctx context.Context, frags []engine.Fragment) error {
	if len(frags) == 0 {
		return nil
	}
	ids := make([]string, len(frags))
	for i, f := range frags {
		ids[i] = f.ID
	}
	return p.invoke(ctx, nil, "fade", ids)
}

func counterText(total int) string {
	return fmt.Sprintf("Dashes replaced: %d", total)
}

// stylesheet styles the counter and the fragments. Fragments start
// highlighted and transition to transparent once "fade" is added.
func stylesheet(o Options) string {
	return fmt.Sprintf(`.%[1]s {
  position: fixed; right: 20px; bottom: 20px; z-index: 2147483647;
  padding: 8px 12px; border-radius: 6px;
  background: rgba(0, 0, 0, 0.75); color: #fff;
  font: 13px/1.4 system-ui, sans-serif; pointer-events: none;
  opacity: 0; transform: translateY(8px);
  transition: opacity 0.2s ease, transform 0.2s ease;
}
.%[1]s.active { opacity: 1; transform: none; }
.%[2]s { background-color: rgba(255, 214, 0, 0.45); transition: background-color 1s ease; }
.%[2]s.fade { background-color: transparent; }
`, o.CounterClass, o.FragmentClass)
}
