package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Glitchfix/crossroads/internal/channels"
	"github.com/Glitchfix/crossroads/internal/models"
	"github.com/Glitchfix/crossroads/internal/observability/logging"
)

type createChannelRequest struct {
	ChannelName         string `json:"channelName"`
	ChannelDescription  string `json:"channelDescription"`
	SourceAddress       string `json:"sourceAddress"`
	SourcePort          int    `json:"sourcePort"`
	HeaderSize          int    `json:"headerSize"`
	SplitterCount       int    `json:"splitterCount"`
	SplitterPort        int    `json:"splitterPort"`
	MonitorPort         int    `json:"monitorPort"`
	IsSmartSourceClient bool   `json:"isSmartSourceClient"`
}

func (req createChannelRequest) spec() models.ChannelSpec {
	return models.ChannelSpec{
		Name:              req.ChannelName,
		Description:       req.ChannelDescription,
		SourceAddress:     req.SourceAddress,
		SourcePort:        req.SourcePort,
		HeaderSize:        req.HeaderSize,
		SplitterCount:     req.SplitterCount,
		SplitterPort:      req.SplitterPort,
		MonitorPort:       req.MonitorPort,
		SmartSourceClient: req.IsSmartSourceClient,
	}
}

type editChannelRequest struct {
	ChannelNewName        string `json:"channelNewName"`
	ChannelNewDescription string `json:"channelNewDescription"`
}

type removeChannelResponse struct {
	ChannelURL string `json:"channelUrl"`
	Removed    bool   `json:"removed"`
	Error      string `json:"error,omitempty"`
}

// ChannelCollection serves the collection: GET lists, POST creates.
func (h *Handler) ChannelCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit, offset, err := parsePage(r.URL.Query())
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, h.Directory.List(r.Context(), limit, offset))
	case http.MethodPost:
		var req createChannelRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := h.Channels.Create(r.Context(), req.spec())
		if err != nil {
			h.writeLifecycleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

// ChannelByID serves /api/channels/{url}.
func (h *Handler) ChannelByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	parts := strings.Split(path, "/")
	if len(parts) != 1 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel url missing"))
		return
	}
	channelURL, err := url.PathUnescape(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid channel url: %w", err))
		return
	}
	ctx := logging.ContextWithChannelURL(r.Context(), channelURL)
	r = r.WithContext(ctx)

	switch r.Method {
	case http.MethodGet:
		view, err := h.Directory.Get(ctx, channelURL)
		if err != nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", channelURL))
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodPatch:
		if !h.authorizeChannel(w, r, channelURL) {
			return
		}
		var req editChannelRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		update := models.MetadataUpdate{Name: req.ChannelNewName, Description: req.ChannelNewDescription}
		if err := h.Channels.EditMetadata(ctx, channelURL, update); err != nil {
			h.writeLifecycleError(w, r, err)
			return
		}
		view, err := h.Directory.Get(ctx, channelURL)
		if err != nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		if !h.authorizeChannel(w, r, channelURL) {
			return
		}
		err := h.Channels.Remove(ctx, channelURL)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, removeChannelResponse{ChannelURL: channelURL, Removed: true})
		case errors.Is(err, channels.ErrPartialPoolInconsistency):
			h.logger(ctx).Error("channel removed but pool stop failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, removeChannelResponse{
				ChannelURL: channelURL,
				Removed:    true,
				Error:      channels.ErrPartialPoolInconsistency.Error(),
			})
		default:
			h.writeLifecycleError(w, r, err)
		}
	default:
		methodNotAllowed(w, r, "GET, PATCH, DELETE")
	}
}

// writeLifecycleError maps orchestrator error kinds to status codes. Causes
// are logged, not returned.
func (h *Handler) writeLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	var lerr *channels.LifecycleError
	if !errors.As(err, &lerr) {
		h.logger(r.Context()).Error("channel operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	switch {
	case errors.Is(err, channels.ErrInvalidSpec):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, channels.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", lerr.URL))
	default:
		h.logger(r.Context()).Error("channel operation failed", "op", lerr.Op, "channel_url", lerr.URL, "error", err)
		writeError(w, http.StatusInternalServerError, lerr.Kind)
	}
}

func parsePage(query url.Values) (int, int, error) {
	limit, err := parseNonNegative(query, "limit")
	if err != nil {
		return 0, 0, err
	}
	offset, err := parseNonNegative(query, "offset")
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func parseNonNegative(query url.Values, key string) (int, error) {
	raw := strings.TrimSpace(query.Get(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return value, nil
}
