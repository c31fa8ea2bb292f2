package broadcast

import (
	"net/http"

	"sessionops/internal/debuglog"
)

// ServeHTTP streams events to one client until it disconnects or a write
// fails.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		debuglog.Logf("broadcast: streaming unsupported err=%v", err)
		return
	}

	sub, err := b.Subscribe(w, rc.Flush)
	if err != nil {
		debuglog.Logf("broadcast: subscribe failed %s err=%v", debuglog.KV("remote", r.RemoteAddr), err)
		return
	}
	select {
	case <-r.Context().Done():
		sub.Close()
	case <-sub.Done():
	}
}
