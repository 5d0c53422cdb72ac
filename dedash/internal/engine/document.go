package engine

import "context"

// Container is a handle to one assistant message. ID is stable for as long
// as the underlying node is not replaced by the host page.
type Container interface {
	ID() string
}

// Scan is the result of the collect phase: the live text regions of one
// container in document order. Token lets the Document find the same nodes
// again in the apply phase.
type Scan struct {
	Container Container
	Token     string
	Regions   []string
}

// Edit replaces region Index, provided it still reads Expect.
type Edit struct {
	Index  int
	Expect string
	Text   string
	Count  int
}

// Fragment is an applied edit: the immutable node that replaced a region.
type Fragment struct {
	ID    string
	Text  string
	Count int
}

// Document is the host page as seen by the engine. The engine never creates
// or destroys containers; it only reads regions and swaps them for fragments.
type Document interface {
	// RootReady reports whether the root to observe exists yet.
	RootReady(ctx context.Context) (bool, error)
	// Watch starts mutation notifications scoped to the root.
	Watch(ctx context.Context) error
	// Containers returns every assistant container in document order.
	Containers(ctx context.Context) ([]Container, error)
	// Latest returns the last assistant container, or nil if there is none.
	Latest(ctx context.Context) (Container, error)
	// Scan collects the text regions of c without mutating anything.
	// A nil Scan means the container no longer exists.
	Scan(ctx context.Context, c Container) (*Scan, error)
	// Rewrite applies edits to the regions of s. Regions whose text changed
	// since the scan are skipped. It returns the fragments actually applied.
	Rewrite(ctx context.Context, s *Scan, edits []Edit) ([]Fragment, error)
}

// Display is the presentation collaborator: the replacement counter and the
// per-fragment highlight. It holds no state the engine depends on.
type Display interface {
	Show(ctx context.Context, total int) error
	Hide(ctx context.Context) error
	Highlight(ctx context.Context, frags []Fragment) error
}

// Rewrite describes one successful processing pass, for recorders.
type Rewrite struct {
	ContainerID string
	Fragments   int
	Replaced    int
	Missed      int
}

// Recorder receives a Rewrite after every pass that changed the page.
// It is called on the dispatcher goroutine and must not block.
type Recorder interface {
	RecordRewrite(r Rewrite)
}

type nopDisplay struct{}

func (nopDisplay) Show(context.Context, int) error             { return nil }
func (nopDisplay) Hide(context.Context) error                  { return nil }
func (nopDisplay) Highlight(context.Context, []Fragment) error { return nil }
