package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Glitchfix/crossroads/internal/auth"
	"github.com/Glitchfix/crossroads/internal/storage"
)

// ChannelPasswordHeader carries the channel password for clients that cannot
// set an Authorization header.
const ChannelPasswordHeader = "X-Channel-Password"

var (
	errMissingPassword = errors.New("channel password required")
	errWrongPassword   = errors.New("channel password does not match")
)

// ExtractChannelPassword returns the password presented with the request,
// preferring a bearer token over the dedicated header.
func ExtractChannelPassword(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, value, found := strings.Cut(header, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
	}
	return strings.TrimSpace(r.Header.Get(ChannelPasswordHeader))
}

// authorizeChannel writes the error response and returns false unless the
// request carries the password of channelURL.
func (h *Handler) authorizeChannel(w http.ResponseWriter, r *http.Request, channelURL string) bool {
	secret := ExtractChannelPassword(r)
	if secret == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="channel"`)
		writeError(w, http.StatusUnauthorized, errMissingPassword)
		return false
	}
	hash, err := h.Store.GetCredentialHash(r.Context(), channelURL)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", channelURL))
			return false
		}
		h.logger(r.Context()).Error("load channel credential", "channel_url", channelURL, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("credential lookup failed"))
		return false
	}
	ok, err := auth.VerifySecret(secret, hash)
	if err != nil {
		h.logger(r.Context()).Error("verify channel credential", "channel_url", channelURL, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("credential check failed"))
		return false
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, errWrongPassword)
		return false
	}
	return true
}
