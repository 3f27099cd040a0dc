package domain

import (
	"errors"
	"fmt"
	"strings"
)

type Style string

const (
	StyleCyberpunk Style = "cyberpunk"
	StyleFantasy   Style = "fantasy"
	StyleArtistic  Style = "artistic"
	StyleMinimal   Style = "minimal"
	StyleNone      Style = "none"
)

var ErrUnknownStyle = errors.New("unknown style")

// Styles lists every supported variant in display order.
func Styles() []Style {
	return []Style{StyleCyberpunk, StyleFantasy, StyleArtistic, StyleMinimal, StyleNone}
}

// ParseStyle matches name case-insensitively against the supported variants.
// It never falls back to StyleNone for an unrecognized name.
func ParseStyle(name string) (Style, error) {
	candidate := Style(strings.ToLower(strings.TrimSpace(name)))
	if candidate.Valid() {
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStyle, name)
}

func (s Style) Valid() bool {
	switch s {
	case StyleCyberpunk, StyleFantasy, StyleArtistic, StyleMinimal, StyleNone:
		return true
	default:
		return false
	}
}

func (s Style) String() string {
	return string(s)
}
