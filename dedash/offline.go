package dedash

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hazyhaar/dedash/dedash/internal/engine"
	"github.com/hazyhaar/dedash/dedash/internal/htmldoc"
	"github.com/hazyhaar/dedash/normalize"
)

// OfflineOptions selects the assistant messages of a saved page. Empty
// fields take the live defaults.
//
// Selectors use the syntax the live page accepts: CSS selector groups with
// type, class, id and attribute selectors (all operators), the descendant,
// child and sibling combinators and standard pseudo-classes such as :not()
// or :last-child. Matcher-only extensions like :contains() are rejected.
type OfflineOptions struct {
	RootSelector    string
	MessageSelector string
	Logger          *slog.Logger
}

// tallyRecorder sums what the engine rewrote.
type tallyRecorder struct {
	messages int
	replaced int
}

func (t *tallyRecorder) RecordRewrite(r engine.Rewrite) {
	t.messages++
	t.replaced += r.Replaced
}

// RewriteHTML reads a saved chat page from r, rewrites the dashes of every
// assistant message and writes the page to w. It returns the number of
// dashes replaced. Text outside assistant messages is left untouched.
func RewriteHTML(ctx context.Context, r io.Reader, w io.Writer, opts OfflineOptions) (int, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	doc, err := htmldoc.Parse(r, htmldoc.Options{
		RootSelector:    opts.RootSelector,
		MessageSelector: opts.MessageSelector,
	})
	if err != nil {
		return 0, err
	}
	if ok, _ := doc.RootReady(ctx); !ok {
		logger.Warn("dedash: no conversation root in document", "root", opts.RootSelector)
	}

	rec := &tallyRecorder{}
	e := engine.New(engine.Config{Document: doc, Recorder: rec, Logger: logger})
	e.ProcessAll(ctx)
	if err := ctx.Err(); err != nil {
		return rec.replaced, err
	}

	if err := doc.Render(w); err != nil {
		return rec.replaced, err
	}
	logger.Info("dedash: offline rewrite done", "messages", rec.messages, "replaced", rec.replaced)
	return rec.replaced, nil
}

// RewriteText copies r to w with every em and en dash turned into a hyphen.
func RewriteText(r io.Reader, w io.Writer) (int64, error) {
	n, err := io.Copy(w, normalize.Reader(r))
	if err != nil {
		return n, fmt.Errorf("dedash: rewrite text: %w", err)
	}
	return n, nil
}
