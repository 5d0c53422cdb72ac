// CLAUDE:SUMMARY engine.Document over a parsed golang.org/x/net/html tree, used to rewrite saved chat pages offline.
// Package htmldoc implements the engine's Document over a static HTML tree.
// Container identity is node identity; regions are text nodes; a rewrite
// swaps a text node for a <span> holding the clean text.
package htmldoc

import (
	"context"
	"fmt"
	"io"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/dedash/dedash/internal/engine"
	"github.com/hazyhaar/dedash/idgen"
)

// Defaults matching the ChatGPT web client markup.
const (
	DefaultRootSelector    = "main"
	DefaultMessageSelector = `div[data-message-author-role="assistant"]`
	DefaultFragmentClass   = "replaced-text"

	// FragmentAttr marks the spans created by Rewrite.
	FragmentAttr = "data-dedash-fragment"

	maxScans = 64
)

// Options selects the containers of a document.
type Options struct {
	RootSelector    string
	MessageSelector string
	FragmentClass   string
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
}

// Document is an engine.Document over a parsed tree. Not safe for
// concurrent use; the engine's dispatcher is its only caller.
type Document struct {
	tree    *html.Node
	opts    Options
	rootSel cascadia.Matcher
	msgSel  cascadia.Matcher
	newScan idgen.Generator
	newFrag idgen.Generator

	scans map[string][]*html.Node
	order []string
}

var _ engine.Document = (*Document)(nil)

// Parse reads an HTML document.
func Parse(r io.Reader, opts Options) (*Document, error) {
	tree, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: parse: %w", err)
	}
	return New(tree, opts)
}

// New wraps an already parsed tree. It fails on a selector that does not
// compile.
func New(tree *html.Node, opts Options) (*Document, error) {
	opts.defaults()
	rootSel, err := CompileSelector(opts.RootSelector)
	if err != nil {
		return nil, err
	}
	msgSel, err := CompileSelector(opts.MessageSelector)
	if err != nil {
		return nil, err
	}
	return &Document{
		tree:    tree,
		opts:    opts,
		rootSel: rootSel,
		msgSel:  msgSel,
		newScan: idgen.Prefixed("scan_", idgen.Default),
		newFrag: idgen.Prefixed("f", idgen.Sequence()),
		scans:   make(map[string][]*html.Node),
	}, nil
}

// Render writes the (possibly rewritten) document.
func (d *Document) Render(w io.Writer) error {
	if err := html.Render(w, d.tree); err != nil {
		return fmt.Errorf("htmldoc: render: %w", err)
	}
	return nil
}

type container struct{ n *html.Node }

func (c container) ID() string { return fmt.Sprintf("%p", c.n) }

func (d *Document) root() *html.Node {
	return cascadia.Query(d.tree, d.rootSel)
}

func (d *Document) RootReady(context.Context) (bool, error) {
	return d.root() != nil, nil
}

// Watch is a no-op: a parsed document never changes on its own.
func (d *Document) Watch(context.Context) error { return nil }

func (d *Document) Containers(context.Context) ([]engine.Container, error) {
	root := d.root()
	if root == nil {
		return nil, nil
	}
	nodes := cascadia.QueryAll(root, d.msgSel)
	out := make([]engine.Container, len(nodes))
	for i, n := range nodes {
		out[i] = container{n}
	}
	return out, nil
}

func (d *Document) Latest(ctx context.Context) (engine.Container, error) {
	all, err := d.Containers(ctx)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[len(all)-1], nil
}

func (d *Document) Scan(_ context.Context, c engine.Container) (*engine.Scan, error) {
	hc, ok := c.(container)
	if !ok {
		return nil, fmt.Errorf("htmldoc: foreign container %T", c)
	}
	if !attached(d.tree, hc.n) {
		return nil, nil
	}

	var nodes []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			if ch.Type == html.TextNode {
				nodes = append(nodes, ch)
			}
			walk(ch)
		}
	}
	walk(hc.n)

	token := d.newScan()
	d.remember(token, nodes)

	regions := make([]string, len(nodes))
	for i, n := range nodes {
		regions[i] = n.Data
	}
	return &engine.Scan{Container: c, Token: token, Regions: regions}, nil
}

func (d *Document) Rewrite(_ context.Context, s *engine.Scan, edits []engine.Edit) ([]engine.Fragment, error) {
	nodes, ok := d.scans[s.Token]
	if !ok {
		return nil, fmt.Errorf("htmldoc: unknown scan %q", s.Token)
	}
	d.forget(s.Token)

	var out []engine.Fragment
	for _, ed := range edits {
		if ed.Index < 0 || ed.Index >= len(nodes) {
			continue
		}
		n := nodes[ed.Index]
		if n.Parent == nil || n.Data != ed.Expect {
			continue
		}
		id := d.newFrag()
		span := &html.Node{
			Type:     html.ElementNode,
			Data:     "span",
			DataAtom: atom.Span,
			Attr: []html.Attribute{
				{Key: "class", Val: d.opts.FragmentClass},
				{Key: FragmentAttr, Val: id},
			},
		}
		span.AppendChild(&html.Node{Type: html.TextNode, Data: ed.Text})
		n.Parent.InsertBefore(span, n)
		n.Parent.RemoveChild(n)
		out = append(out, engine.Fragment{ID: id, Text: ed.Text, Count: ed.Count})
	}
	return out, nil
}

func (d *Document) remember(token string, nodes []*html.Node) {
	d.scans[token] = nodes
	d.order = append(d.order, token)
	for len(d.order) > maxScans {
		delete(d.scans, d.order[0])
		d.order = d.order[1:]
	}
}

func (d *Document) forget(token string) {
	delete(d.scans, token)
	for i, t := range d.order {
		if t == token {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// attached reports whether n is still part of tree.
func attached(tree, n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == tree {
			return true
		}
	}
	return false
}
