package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/londonhackspace/acserver/internal/acl"
)

type eventView struct {
	At        time.Time `json:"at"`
	Operation string    `json:"operation"`
	ToolID    int64     `json:"tool_id"`
	Card      string    `json:"card,omitempty"`
	Target    string    `json:"target,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	Result    string    `json:"result"`
	DurationS int64     `json:"duration_s,omitempty"`
}

func viewEvent(ev acl.Event) eventView {
	v := eventView{
		At:        ev.At.UTC(),
		Operation: ev.Operation,
		ToolID:    ev.ToolID,
		UserID:    ev.UserID,
		Result:    ev.Result,
		DurationS: int64(ev.Duration / time.Second),
	}
	if ev.Card != 0 {
		v.Card = ev.Card.String()
	}
	if ev.Target != 0 {
		v.Target = ev.Target.String()
	}
	return v
}

// events serves decisions as Server-Sent Events until the client goes away.
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "event stream disabled")
		return
	}

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut long-lived streams.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.stream.Subscribe(r.Context())

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	for ev := range ch {
		payload, err := json.Marshal(viewEvent(ev))
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + ev.Operation + "\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
