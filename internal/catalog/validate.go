package catalog

import (
	"strconv"
	"strings"

	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/robfig/cron/v3"
)

const (
	maxOverlaySize = 400
	maxFontSize    = 200
)

var (
	validAnimations = map[string]bool{
		"none":        true,
		"fade_in":     true,
		"fade_out":    true,
		"slide_up":    true,
		"slide_down":  true,
		"slide_left":  true,
		"slide_right": true,
		"zoom_in":     true,
		"pop":         true,
		"typewriter":  true,
	}

	validCaptionModes = map[string]bool{
		"word":     true,
		"sentence": true,
		"line":     true,
	}
)

// Validate checks a single definition and returns the first violation as a
// *ValidationError. Create, update and duplicate all go through here.
func Validate(def *types.JobDefinition) error {
	if strings.TrimSpace(def.ID) == "" {
		return &ValidationError{Index: -1, Field: "id", Value: def.ID, Reason: "must not be empty"}
	}
	if strings.TrimSpace(def.Name) == "" {
		return &ValidationError{Index: -1, Field: "name", Value: def.Name, Reason: "must not be empty"}
	}

	if def.Schedule != "" {
		if _, err := cron.ParseStandard(def.Schedule); err != nil {
			return &ValidationError{Index: -1, Field: "schedule", Value: def.Schedule, Reason: "invalid cron expression"}
		}
	}

	for i, o := range def.Config.Overlays {
		if !o.Active() {
			continue
		}
		if o.Size == nil {
			return &ValidationError{Index: i, Field: "config.overlays.size", Value: nil, Reason: "required for an enabled overlay"}
		}
		if *o.Size <= 0 || *o.Size > maxOverlaySize {
			return &ValidationError{Index: i, Field: "config.overlays.size", Value: *o.Size, Reason: "must be between 1 and 400"}
		}
		if o.Animation == nil {
			return &ValidationError{Index: i, Field: "config.overlays.animation", Value: nil, Reason: "required for an enabled overlay"}
		}
		if !validAnimations[*o.Animation] {
			return &ValidationError{Index: i, Field: "config.overlays.animation", Value: *o.Animation, Reason: "unknown animation"}
		}
	}

	if c := def.Config.Captions; c != nil && c.Enabled {
		if c.FontSize == nil {
			return &ValidationError{Index: -1, Field: "config.captions.font_size", Value: nil, Reason: "required when captions are enabled"}
		}
		if *c.FontSize <= 0 || *c.FontSize > maxFontSize {
			return &ValidationError{Index: -1, Field: "config.captions.font_size", Value: *c.FontSize, Reason: "must be between 1 and 200"}
		}
		if c.Mode == nil {
			return &ValidationError{Index: -1, Field: "config.captions.mode", Value: nil, Reason: "required when captions are enabled"}
		}
		if !validCaptionModes[*c.Mode] {
			return &ValidationError{Index: -1, Field: "config.captions.mode", Value: *c.Mode, Reason: "unknown caption mode"}
		}
	}

	return checkLegacyConsistency(def)
}

// checkLegacyConsistency rejects definitions whose flat fields drifted from
// the tree. Records written by this package never fail it; hand-edited files
// can.
func checkLegacyConsistency(def *types.JobDefinition) error {
	want := def.Config.Clone()
	DeriveLegacy(&want)
	got := def.Config

	switch {
	case got.OverlayText != want.OverlayText:
		return &ValidationError{Index: -1, Field: "config.overlay_text", Value: got.OverlayText, Reason: "out of sync with config.overlays"}
	case got.OverlaySize != want.OverlaySize:
		return &ValidationError{Index: -1, Field: "config.overlay_size", Value: got.OverlaySize, Reason: "out of sync with config.overlays"}
	case got.OverlayAnimation != want.OverlayAnimation:
		return &ValidationError{Index: -1, Field: "config.overlay_animation", Value: got.OverlayAnimation, Reason: "out of sync with config.overlays"}
	case got.CaptionsEnabled != want.CaptionsEnabled:
		return &ValidationError{Index: -1, Field: "config.captions_enabled", Value: got.CaptionsEnabled, Reason: "out of sync with config.captions"}
	case got.CaptionFontSize != want.CaptionFontSize:
		return &ValidationError{Index: -1, Field: "config.caption_font_size", Value: got.CaptionFontSize, Reason: "out of sync with config.captions"}
	case got.CaptionMode != want.CaptionMode:
		return &ValidationError{Index: -1, Field: "config.caption_mode", Value: got.CaptionMode, Reason: "out of sync with config.captions"}
	}

	return nil
}

// ValidateCatalog checks every record and that ids are unique.
func ValidateCatalog(jobs []types.JobDefinition) error {
	seen := make(map[string]int, len(jobs))
	for i := range jobs {
		if prev, ok := seen[jobs[i].ID]; ok {
			return &ValidationError{Index: i, Field: "id", Value: jobs[i].ID, Reason: "duplicate of record " + strconv.Itoa(prev)}
		}
		seen[jobs[i].ID] = i
		if err := Validate(&jobs[i]); err != nil {
			return err
		}
	}
	return nil
}
