package channels

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Glitchfix/crossroads/internal/models"
)

const (
	maxNameLength        = 200
	maxDescriptionLength = 2000
	maxPort              = 65535
)

func normalizeText(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}

func normalizeSpec(spec models.ChannelSpec, maxSplitters int) (models.ChannelSpec, error) {
	spec.Name = normalizeText(spec.Name)
	spec.Description = normalizeText(spec.Description)
	spec.SourceAddress = strings.TrimSpace(spec.SourceAddress)
	if spec.SourceAddress == "" {
		spec.SourceAddress = models.DefaultSourceAddress
	}

	if spec.Name == "" {
		return spec, fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if len([]rune(spec.Name)) > maxNameLength {
		return spec, fmt.Errorf("%w: name exceeds %d characters", ErrInvalidSpec, maxNameLength)
	}
	if len([]rune(spec.Description)) > maxDescriptionLength {
		return spec, fmt.Errorf("%w: description exceeds %d characters", ErrInvalidSpec, maxDescriptionLength)
	}
	if spec.SplitterCount < 1 || spec.SplitterCount > maxSplitters {
		return spec, fmt.Errorf("%w: splitter count must be between 1 and %d", ErrInvalidSpec, maxSplitters)
	}
	if spec.HeaderSize < 0 {
		return spec, fmt.Errorf("%w: header size must not be negative", ErrInvalidSpec)
	}
	ports := []struct {
		name  string
		value int
	}{
		{"source port", spec.SourcePort},
		{"splitter port", spec.SplitterPort},
		{"monitor port", spec.MonitorPort},
	}
	for _, p := range ports {
		if p.value < 0 || p.value > maxPort {
			return spec, fmt.Errorf("%w: %s must be between 0 and %d", ErrInvalidSpec, p.name, maxPort)
		}
	}
	return spec, nil
}

func normalizeUpdate(update models.MetadataUpdate) (models.MetadataUpdate, error) {
	update.Name = normalizeText(update.Name)
	update.Description = normalizeText(update.Description)
	if update.Name == "" {
		return update, fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if len([]rune(update.Name)) > maxNameLength {
		return update, fmt.Errorf("%w: name exceeds %d characters", ErrInvalidSpec, maxNameLength)
	}
	if len([]rune(update.Description)) > maxDescriptionLength {
		return update, fmt.Errorf("%w: description exceeds %d characters", ErrInvalidSpec, maxDescriptionLength)
	}
	return update, nil
}
