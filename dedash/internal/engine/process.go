package engine

import (
	"context"

	"github.com/hazyhaar/dedash/normalize"
)

// Process rewrites the dashes of one container. It is a no-op while paused
// or while the same container is already being processed. The scan and the
// rewrite are two separate phases: nothing is mutated while regions are
// collected, and a region that changed in between is skipped rather than
// overwritten.
func (e *Engine) Process(ctx context.Context, c Container) {
	if c == nil || e.tracker.Paused() {
		return
	}
	id := c.ID()
	if !e.guard.enter(id) {
		return
	}
	defer e.guard.leave(id)
	e.processed++

	scan, err := e.doc.Scan(ctx, c)
	if err != nil {
		e.logger.Warn("engine: scan failed", "container", id, "error", err)
		return
	}
	if scan == nil {
		return
	}

	edits := plan(scan)
	if len(edits) == 0 {
		return
	}

	frags, err := e.doc.Rewrite(ctx, scan, edits)
	if err != nil {
		e.logger.Warn("engine: rewrite failed", "container", id, "error", err)
		return
	}
	missed := len(edits) - len(frags)
	if missed > 0 {
		e.logger.Debug("engine: regions changed since scan",
			"container", id, "missed", missed)
	}
	if len(frags) == 0 {
		return
	}

	total := 0
	for _, f := range frags {
		total += f.Count
	}

	go func(ctx context.Context) {
		if err := e.display.Highlight(ctx, frags); err != nil {
			e.logger.Debug("engine: highlight", "error", err)
		}
	}(context.WithoutCancel(ctx))

	e.rewritten++
	e.replaced += uint64(total)
	shown := e.tally.add(total, e.now())
	if err := e.display.Show(ctx, shown); err != nil {
		e.logger.Debug("engine: show counter", "error", err)
	}

	if e.recorder != nil {
		e.recorder.RecordRewrite(Rewrite{
			ContainerID: id,
			Fragments:   len(frags),
			Replaced:    total,
			Missed:      missed,
		})
	}

	e.logger.Debug("engine: rewrote container",
		"container", id, "fragments", len(frags), "replaced", total)
}

// plan runs the normalizer over every region and keeps the ones that change.
func plan(s *Scan) []Edit {
	var edits []Edit
	for i, text := range s.Regions {
		clean, n := normalize.Text(text)
		if n == 0 {
			continue
		}
		edits = append(edits, Edit{Index: i, Expect: text, Text: clean, Count: n})
	}
	return edits
}

// ProcessLatest processes the last assistant container, if any.
func (e *Engine) ProcessLatest(ctx context.Context) {
	if e.tracker.Paused() {
		return
	}
	c, err := e.doc.Latest(ctx)
	if err != nil {
		e.logger.Debug("engine: latest lookup failed", "error", err)
		return
	}
	if c == nil {
		return
	}
	e.Process(ctx, c)
}

// Sweep processes every container not currently being processed. It is the
// safety net for mutations that were missed or that touched an older
// message.
func (e *Engine) Sweep(ctx context.Context) {
	if e.tracker.Paused() || !e.attached {
		return
	}
	e.each(ctx, func(c Container) {
		if !e.guard.has(c.ID()) {
			e.Process(ctx, c)
		}
	})
}

// ProcessAll processes every container once.
func (e *Engine) ProcessAll(ctx context.Context) {
	if e.tracker.Paused() {
		return
	}
	e.each(ctx, func(c Container) { e.Process(ctx, c) })
}

func (e *Engine) each(ctx context.Context, fn func(Container)) {
	all, err := e.doc.Containers(ctx)
	if err != nil {
		e.logger.Debug("engine: container lookup failed", "error", err)
		return
	}
	for _, c := range all {
		if ctx.Err() != nil {
			return
		}
		fn(c)
	}
}
