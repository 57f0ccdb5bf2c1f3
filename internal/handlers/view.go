package handlers

import (
	"github.com/example/medscan/internal/scanner"
	"github.com/example/medscan/internal/session"
)

// refreshSeconds is how often a loading page reloads itself.
const refreshSeconds = 1

// pageView is everything index.html renders. At most one of Loading, Error
// and Medicine is set.
type pageView struct {
	PreviewURL     string
	Loading        bool
	Error          string
	Medicine       *scanner.MedicineRecord
	Sequence       uint64
	RefreshSeconds int
}

type stateResponse struct {
	State      string                  `json:"state"`
	Sequence   uint64                  `json:"sequence"`
	PreviewURL string                  `json:"preview_url,omitempty"`
	Medicine   *scanner.MedicineRecord `json:"medicine,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

func present(snap session.Snapshot) pageView {
	view := pageView{Sequence: snap.Sequence, RefreshSeconds: refreshSeconds}
	if snap.PreviewID != "" {
		view.PreviewURL = "/previews/" + snap.PreviewID
	}

	switch snap.State.Kind() {
	case session.Loading:
		view.Loading = true
	case session.Success:
		record, _ := snap.State.Record()
		view.Medicine = &record
	case session.Failure:
		view.Error, _ = snap.State.Message()
	}
	return view
}

func presentJSON(snap session.Snapshot) stateResponse {
	view := present(snap)
	return stateResponse{
		State:      snap.State.Kind().String(),
		Sequence:   view.Sequence,
		PreviewURL: view.PreviewURL,
		Medicine:   view.Medicine,
		Error:      view.Error,
	}
}
