package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blocklist maps CDP resource types to whether the tab refuses them.
// Config names are plural ("images"); CDP reports "Image".
type blocklist map[string]bool

func newBlocklist(types []string) blocklist {
	bl := make(blocklist, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		bl[strings.TrimSuffix(t, "s")] = true
	}
	return bl
}

func (bl blocklist) blocks(rt proto.NetworkResourceType) bool {
	return bl[strings.ToLower(string(rt))]
}

// block hijacks every request on page and fails the listed types. The
// returned router must be stopped when the page is closed.
func block(page *rod.Page, bl blocklist) *rod.HijackRouter {
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if bl.blocks(h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}
