package p2p

import (
	"encoding/json"
	"net/http"
	"time"

	"btcrouter/classify"
)

// peerView is the JSON shape served by the directory summary endpoint.
type peerView struct {
	Addr          string    `json:"addr"`
	Source        string    `json:"source"`
	Label         string    `json:"label"`
	Confidence    float64   `json:"confidence,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
	Services      uint64    `json:"services,omitempty"`
	Height        int32     `json:"height,omitempty"`
	Fails         int       `json:"fails,omitempty"`
	Evicted       bool      `json:"evicted,omitempty"`
	LastSeen      time.Time `json:"lastSeen"`
	LastConnected time.Time `json:"lastConnected,omitempty"`
}

// DirectoryHandler serves the peer directory merged with the current
// classification, for mounting on the metrics exporter.
func DirectoryHandler(dir *Directory, cls *classify.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		records := dir.Snapshot()
		views := make([]peerView, 0, len(records))
		for _, rec := range records {
			view := peerView{
				Addr:          rec.Addr,
				Source:        rec.Source,
				Label:         rec.Label,
				UserAgent:     rec.UserAgent,
				Services:      rec.Services,
				Height:        rec.Height,
				Fails:         rec.Fails,
				Evicted:       rec.Evicted,
				LastSeen:      rec.LastSeen,
				LastConnected: rec.LastConnected,
			}
			if view.Label == "" {
				view.Label = string(classify.LabelUnknown)
			}
			if cls != nil {
				if cr, ok := cls.Get(rec.Addr); ok {
					view.Label = string(cr.Label)
					view.Confidence = cr.Confidence
				}
			}
			views = append(views, view)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(views); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
