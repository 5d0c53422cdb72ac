package page

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/dedash/dedash/internal/engine"
	"github.com/hazyhaar/dedash/dedash/internal/stream"
)

// Sink receives the engine events a page produces. *engine.Engine is one.
type Sink interface {
	Submit(ctx context.Context, ev engine.Event)
}

// Listen subscribes to binding calls and Network events of the tab.
// Binding calls go to sink; request/response pairs go to tap. The
// subscription is live when Listen returns; the returned wait blocks until
// ctx is done.
func (p *Page) Listen(ctx context.Context, sink Sink, tap stream.Tap) (func(), error) {
	if err := (proto.NetworkEnable{}).Call(p.rp.Context(ctx)); err != nil {
		return nil, fmt.Errorf("page: network enable: %w", err)
	}
	reqs := newRequests()

	wait := p.rp.Context(ctx).EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			ev, ok := bindingEvent(e.Name, e.Payload)
			if !ok {
				return
			}
			sink.Submit(ctx, ev)
		},

		func(e *proto.NetworkRequestWillBeSent) {
			if e.Request == nil {
				return
			}
			reqs.sent(e.RequestID, e.Type, e.Request.Method, e.Request.URL)
		},

		func(e *proto.NetworkResponseReceived) {
			if e.Response == nil {
				return
			}
			if ex, ok := reqs.received(e.RequestID, e.Response.URL, e.Response.Status, time.Now()); ok {
				tap.Observe(ex)
			}
		},

		func(e *proto.NetworkLoadingFailed) {
			if ex, ok := reqs.failed(e.RequestID, e.ErrorText, time.Now()); ok {
				tap.Observe(ex)
			}
		},
	)
	p.logger.Debug("page: listening", "binding", BindingName)
	return wait, nil
}

type bindingPayload struct {
	Kind string `json:"kind"`
}

// bindingEvent maps one call of the dedash binding to an engine event.
// "ready" is sent by a freshly installed script, "reset" when the watched
// root left the document; both mean the engine has to attach again.
func bindingEvent(name, payload string) (engine.Event, bool) {
	if name != BindingName {
		return engine.Event{}, false
	}
	var b bindingPayload
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return engine.Event{}, false
	}
	switch b.Kind {
	case "mutation":
		return engine.Event{Kind: engine.EventMutation}, true
	case "ready", "reset":
		return engine.Event{Kind: engine.EventReset}, true
	}
	return engine.Event{}, false
}

// maxPending bounds the request bookkeeping; requests that never get a
// response are dropped oldest first.
const maxPending = 512

type pending struct {
	method string
	url    string
}

// requests pairs Network.requestWillBeSent with the response or failure of
// the same request. Only script-initiated traffic (fetch, XHR) is tracked;
// documents and subresources never carry stream signals. Not safe for
// concurrent use; EachEvent delivers events on one goroutine.
type requests struct {
	byID  map[proto.NetworkRequestID]pending
	order []proto.NetworkRequestID
}

func newRequests() *requests {
	return &requests{byID: make(map[proto.NetworkRequestID]pending)}
}

func tracked(rt proto.NetworkResourceType) bool {
	switch rt {
	case proto.NetworkResourceTypeFetch, proto.NetworkResourceTypeXHR:
		return true
	}
	return false
}

func (r *requests) sent(id proto.NetworkRequestID, rt proto.NetworkResourceType, method, url string) {
	if !tracked(rt) {
		return
	}
	if _, ok := r.byID[id]; !ok {
		r.order = append(r.order, id)
	}
	// Redirects reuse the request id; the latest hop wins.
	r.byID[id] = pending{method: method, url: url}
	for len(r.order) > maxPending {
		delete(r.byID, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *requests) take(id proto.NetworkRequestID) (pending, bool) {
	p, ok := r.byID[id]
	if !ok {
		return pending{}, false
	}
	delete(r.byID, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return p, true
}

func (r *requests) received(id proto.NetworkRequestID, url string, status int, at time.Time) (stream.Exchange, bool) {
	p, ok := r.take(id)
	if !ok {
		return stream.Exchange{}, false
	}
	return stream.Exchange{Method: p.method, URL: url, Status: status, At: at}, true
}

func (r *requests) failed(id proto.NetworkRequestID, reason string, at time.Time) (stream.Exchange, bool) {
	p, ok := r.take(id)
	if !ok {
		return stream.Exchange{}, false
	}
	if reason == "" {
		reason = "loading failed"
	}
	return stream.Exchange{Method: p.method, URL: p.url, Err: errors.New(reason), At: at}, true
}

func (r *requests) len() int { return len(r.byID) }
