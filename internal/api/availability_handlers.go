package api

import (
	"net/http"

	"github.com/Glitchfix/crossroads/internal/availability"
)

// SplitterAvailability accepts a splitter up/down report. The signal is
// applied before responding, but its outcome is never reported back: a
// well-formed report always gets 202.
func (h *Handler) SplitterAvailability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	var payload availability.Payload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sig, err := payload.Signal(availability.SourceHTTP)
	if err != nil {
		h.recorder().ObserveAvailabilitySignal(availability.SourceHTTP, "invalid")
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.Availability != nil {
		h.Availability.Report(r.Context(), sig)
	}
	w.WriteHeader(http.StatusAccepted)
}
