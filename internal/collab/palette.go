package collab

import (
	"errors"
	"fmt"
	"strings"
)

// ColorPolicy selects how participant colors are drawn from the palette.
type ColorPolicy string

const (
	// ColorPolicyRoundRobin hands out palette entries by join order and wraps
	// around once the palette is exhausted, so colors repeat in large rooms.
	ColorPolicyRoundRobin ColorPolicy = "round-robin"
	// ColorPolicyLeastUsed picks the first palette entry no active participant
	// holds and falls back to round-robin once every entry is taken.
	ColorPolicyLeastUsed ColorPolicy = "least-used"
)

// DefaultPalette is used when no palette is configured.
var DefaultPalette = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#96CEB4",
	"#FFEAA7",
	"#DDA0DD",
	"#98D8C8",
	"#F7DC6F",
}

var (
	errEmptyPalette       = errors.New("collab: palette must contain at least one color")
	errUnknownColorPolicy = errors.New("collab: unknown color policy")
)

// ColorAssigner picks display colors for new participants.
type ColorAssigner struct {
	palette []string
	policy  ColorPolicy
}

// NewColorAssigner validates the palette and policy.
func NewColorAssigner(palette []string, policy ColorPolicy) (*ColorAssigner, error) {
	cleaned := make([]string, 0, len(palette))
	for _, color := range palette {
		trimmed := strings.TrimSpace(color)
		if trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return nil, errEmptyPalette
	}
	switch policy {
	case "":
		policy = ColorPolicyRoundRobin
	case ColorPolicyRoundRobin, ColorPolicyLeastUsed:
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownColorPolicy, policy)
	}
	return &ColorAssigner{palette: cleaned, policy: policy}, nil
}

// Assign returns the color for the participant about to join the given roster.
func (a *ColorAssigner) Assign(existing []Participant) string {
	if a.policy == ColorPolicyLeastUsed {
		held := make(map[string]bool, len(existing))
		for _, participant := range existing {
			if participant.IsActive {
				held[participant.Color] = true
			}
		}
		for _, color := range a.palette {
			if !held[color] {
				return color
			}
		}
	}
	return a.palette[len(existing)%len(a.palette)]
}
