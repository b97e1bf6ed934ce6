package catalog

import "github.com/0xPuncker/reelforge/pkg/types"

// DeriveLegacy projects the nested settings tree onto the flat legacy fields.
// The first active overlay feeds the overlay_* fields.
func DeriveLegacy(cfg *types.JobConfig) {
	cfg.OverlayText = ""
	cfg.OverlaySize = 0
	cfg.OverlayAnimation = ""
	for _, o := range cfg.Overlays {
		if !o.Active() {
			continue
		}
		cfg.OverlayText = o.Text
		if o.Size != nil {
			cfg.OverlaySize = *o.Size
		}
		if o.Animation != nil {
			cfg.OverlayAnimation = *o.Animation
		}
		break
	}

	cfg.CaptionsEnabled = false
	cfg.CaptionFontSize = 0
	cfg.CaptionMode = ""
	if c := cfg.Captions; c != nil {
		cfg.CaptionsEnabled = c.Enabled
		if c.FontSize != nil {
			cfg.CaptionFontSize = *c.FontSize
		}
		if c.Mode != nil {
			cfg.CaptionMode = *c.Mode
		}
	}
}

// SeedNested builds the tree from flat fields for clients that only send the
// legacy shape. It does nothing once any part of the tree is present.
func SeedNested(cfg *types.JobConfig) {
	if cfg.Overlays != nil || cfg.Captions != nil {
		return
	}

	if cfg.OverlayText != "" || cfg.OverlaySize != 0 || cfg.OverlayAnimation != "" {
		o := types.Overlay{Text: cfg.OverlayText}
		if cfg.OverlaySize != 0 {
			o.Size = types.Ptr(cfg.OverlaySize)
		}
		if cfg.OverlayAnimation != "" {
			o.Animation = types.Ptr(cfg.OverlayAnimation)
		}
		cfg.Overlays = []types.Overlay{o}
	}

	if cfg.CaptionsEnabled || cfg.CaptionFontSize != 0 || cfg.CaptionMode != "" {
		c := &types.CaptionSettings{Enabled: cfg.CaptionsEnabled}
		if cfg.CaptionFontSize != 0 {
			c.FontSize = types.Ptr(cfg.CaptionFontSize)
		}
		if cfg.CaptionMode != "" {
			c.Mode = types.Ptr(cfg.CaptionMode)
		}
		cfg.Captions = c
	}
}

// normalize seeds the tree if needed and re-derives the flat fields.
func normalize(def *types.JobDefinition) {
	SeedNested(&def.Config)
	DeriveLegacy(&def.Config)
}
