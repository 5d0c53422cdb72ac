// CLAUDE:SUMMARY Chat tab over CDP: installs dedash.js, implements engine.Document via window.__dedash, rewrites via compare-and-swap.
// Package page drives the chat tab over CDP. It installs dedash.js into
// every document of the tab, exposes the tab as an engine.Document and an
// engine.Display, and turns binding calls and Network events into engine
// events.
package page

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/dedash/dedash/internal/engine"
)

//go:embed dedash.js
var dedashJS string

// BindingName is the Runtime binding dedash.js reports through.
const BindingName = "__dedash_binding"

// Defaults matching the ChatGPT web client.
const (
	DefaultRootSelector    = "main"
	DefaultMessageSelector = `div[data-message-author-role="assistant"]`
	DefaultFragmentClass   = "replaced-text"
	DefaultCounterClass    = "emdash-counter"

	fragmentAttr = "data-dedash-fragment"
)

// invokeJS calls one method of window.__dedash and returns its result as
// JSON text. A page without the script answers null.
const invokeJS = `(method, args) => {
	const d = window.__dedash;
	if (!d) {
		return "null";
	}
	const v = d[method](...args);
	return JSON.stringify(v === undefined ? null : v);
}`

// Options selects the containers and names the injected elements.
type Options struct {
	RootSelector    string
	MessageSelector string
	FragmentClass   string
	CounterClass    string
}

func (o *Options) defaults() {
	if o.RootSelector == "" {
		o.RootSelector = DefaultRootSelector
	}
	if o.MessageSelector == "" {
		o.MessageSelector = DefaultMessageSelector
	}
	if o.FragmentClass == "" {
		o.FragmentClass = DefaultFragmentClass
	}
	if o.CounterClass == "" {
		o.CounterClass = DefaultCounterClass
	}
}

// Page is one chat tab. Document methods run on the engine dispatcher;
// Display methods may run concurrently with them.
type Page struct {
	rp     *rod.Page
	opts   Options
	logger *slog.Logger

	uninstall func() error
}

var (
	_ engine.Document = (*Page)(nil)
	_ engine.Display  = (*Page)(nil)
)

// New wraps a rod page. Call Install before handing it to the engine.
func New(rp *rod.Page, opts Options, logger *slog.Logger) *Page {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Page{rp: rp, opts: opts, logger: logger}
}

// Install adds the binding, registers dedash.js for every future document
// of the tab and runs it once in the current one.
func (p *Page) Install(ctx context.Context) error {
	rp := p.rp.Context(ctx)

	if err := (proto.RuntimeEnable{}).Call(rp); err != nil {
		return fmt.Errorf("page: runtime enable: %w", err)
	}
	if err := (proto.RuntimeAddBinding{Name: BindingName}).Call(rp); err != nil {
		p.logger.Warn("page: addBinding failed (may already exist)", "error", err)
	}

	onNew, err := script(p.opts, true)
	if err != nil {
		return err
	}
	remove, err := rp.EvalOnNewDocument(onNew)
	if err != nil {
		return fmt.Errorf("page: register script: %w", err)
	}
	p.uninstall = remove

	current, err := script(p.opts, false)
	if err != nil {
		return err
	}
	if _, err := rp.Eval(`() => ` + current); err != nil {
		return fmt.Errorf("page: inject script: %w", err)
	}
	p.logger.Debug("page: script installed", "root", p.opts.RootSelector)
	return nil
}

// Uninstall stops injecting dedash.js into new documents.
func (p *Page) Uninstall() error {
	if p.uninstall == nil {
		return nil
	}
	err := p.uninstall()
	p.uninstall = nil
	return err
}

type scriptConfig struct {
	Root          string `json:"root"`
	Message       string `json:"message"`
	FragmentClass string `json:"fragmentClass"`
	FragmentAttr  string `json:"fragmentAttr"`
	CounterClass  string `json:"counterClass"`
	CSS           string `json:"css"`
	Announce      bool   `json:"announce"`
}

// script returns dedash.js applied to its configuration. With announce set
// the script reports "ready" once installed, which the engine treats as a
// replaced document.
func script(o Options, announce bool) (string, error) {
	cfg, err := json.Marshal(scriptConfig{
		Root:          o.RootSelector,
		Message:       o.MessageSelector,
		FragmentClass: o.FragmentClass,
		FragmentAttr:  fragmentAttr,
		CounterClass:  o.CounterClass,
		CSS:           stylesheet(o),
		Announce:      announce,
	})
	if err != nil {
		return "", fmt.Errorf("page: encode script config: %w", err)
	}
	return strings.TrimSpace(dedashJS) + "(" + string(cfg) + ")", nil
}

// invoke calls window.__dedash[method](args...) and decodes the result into
// out, which may be nil.
func (p *Page) invoke(ctx context.Context, out any, method string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	res, err := p.rp.Context(ctx).Eval(invokeJS, method, args)
	if err != nil {
		return fmt.Errorf("page: %s: %w", method, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), out); err != nil {
		return fmt.Errorf("page: %s: decode: %w", method, err)
	}
	return nil
}

type container string

func (c container) ID() string { return string(c) }

func (p *Page) RootReady(ctx context.Context) (bool, error) {
	var ok bool
	err := p.invoke(ctx, &ok, "rootReady")
	return ok, err
}

func (p *Page) Watch(ctx context.Context) error {
	var ok bool
	if err := p.invoke(ctx, &ok, "watch"); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("page: watch: root %q gone", p.opts.RootSelector)
	}
	return nil
}

func (p *Page) Containers(ctx context.Context) ([]engine.Container, error) {
	var ids []string
	if err := p.invoke(ctx, &ids, "containers"); err != nil {
		return nil, err
	}
	out := make([]engine.Container, len(ids))
	for i, id := range ids {
		out[i] = container(id)
	}
	return out, nil
}

func (p *Page) Latest(ctx context.Context) (engine.Container, error) {
	var id string
	if err := p.invoke(ctx, &id, "latest"); err != nil || id == "" {
		return nil, err
	}
	return container(id), nil
}

type scanResult struct {
	Token   string   `json:"token"`
	Regions []string `json:"regions"`
}

func (p *Page) Scan(ctx context.Context, c engine.Container) (*engine.Scan, error) {
	var r *scanResult
	if err := p.invoke(ctx, &r, "scan", c.ID()); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	return &engine.Scan{Container: c, Token: r.Token, Regions: r.Regions}, nil
}

type jsEdit struct {
	Index  int    `json:"index"`
	Expect string `json:"expect"`
	Text   string `json:"text"`
}

type applied struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
}

func (p *Page) Rewrite(ctx context.Context, s *engine.Scan, edits []engine.Edit) ([]engine.Fragment, error) {
	js := make([]jsEdit, len(edits))
	for i, e := range edits {
		js[i] = jsEdit{Index: e.Index, Expect: e.Expect, Text: e.Text}
	}
	var done *[]applied
	if err := p.invoke(ctx, &done, "rewrite", s.Token, js); err != nil {
		return nil, err
	}
	if done == nil {
		return nil, fmt.Errorf("page: rewrite: scan %q expired", s.Token)
	}
	return fragments(edits, *done), nil
}

// fragments pairs what the page applied with the edits that asked for it.
func fragments(edits []engine.Edit, done []applied) []engine.Fragment {
	byIndex := make(map[int]engine.Edit, len(edits))
	for _, e := range edits {
		byIndex[e.Index] = e
	}
	out := make([]engine.Fragment, 0, len(done))
	for _, a := range done {
		e, ok := byIndex[a.Index]
		if !ok {
			continue
		}
		out = append(out, engine.Fragment{ID: a.ID, Text: e.Text, Count: e.Count})
	}
	return out
}
