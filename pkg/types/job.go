package types

import "time"

// JobDefinition is a user-defined content-generation job stored in the catalog.
type JobDefinition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Schedule  string    `json:"schedule,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Config    JobConfig `json:"config"`

	// Runtime-only fields, written by the executor and stripped on duplicate.
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastStatus RunStatus  `json:"last_status,omitempty"`
	RunCount   int        `json:"run_count,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// JobConfig holds the nested settings tree. The flat fields at the bottom are
// kept for older clients and are always derived from the tree on write.
type JobConfig struct {
	Topic    string           `json:"topic,omitempty"`
	Voice    string           `json:"voice,omitempty"`
	Overlays []Overlay        `json:"overlays,omitempty"`
	Captions *CaptionSettings `json:"captions,omitempty"`

	OverlayText      string `json:"overlay_text,omitempty"`
	OverlaySize      int    `json:"overlay_size,omitempty"`
	OverlayAnimation string `json:"overlay_animation,omitempty"`
	CaptionsEnabled  bool   `json:"captions_enabled,omitempty"`
	CaptionFontSize  int    `json:"caption_font_size,omitempty"`
	CaptionMode      string `json:"caption_mode,omitempty"`
}

// Overlay is a text overlay rendered on top of the composited video. A nil
// Enabled means the overlay is active.
type Overlay struct {
	Enabled   *bool   `json:"enabled,omitempty"`
	Text      string  `json:"text,omitempty"`
	Size      *int    `json:"size"`
	Animation *string `json:"animation"`
	Position  string  `json:"position,omitempty"`
}

// Active reports whether the pipeline will render the overlay.
func (o Overlay) Active() bool {
	return o.Enabled == nil || *o.Enabled
}

// CaptionSettings configures burned-in captions.
type CaptionSettings struct {
	Enabled  bool    `json:"enabled"`
	FontSize *int    `json:"font_size"`
	Mode     *string `json:"mode"`
}

// JobPatch is a partial update. Nil fields are left untouched; a non-nil
// Config replaces the whole settings tree.
type JobPatch struct {
	Name     *string    `json:"name,omitempty"`
	Enabled  *bool      `json:"enabled,omitempty"`
	Schedule *string    `json:"schedule,omitempty"`
	Config   *JobConfig `json:"config,omitempty"`
}

// Clone returns a fully independent copy of the definition. No slice, map or
// pointer is shared with the receiver.
func (j *JobDefinition) Clone() *JobDefinition {
	if j == nil {
		return nil
	}

	c := *j
	c.Config = j.Config.Clone()
	if j.LastRun != nil {
		t := *j.LastRun
		c.LastRun = &t
	}

	return &c
}

// StripRuntime clears fields that only describe past executions.
func (j *JobDefinition) StripRuntime() {
	j.LastRun = nil
	j.LastStatus = ""
	j.RunCount = 0
	j.LastError = ""
}

func (c JobConfig) Clone() JobConfig {
	out := c
	if c.Overlays != nil {
		out.Overlays = make([]Overlay, len(c.Overlays))
		for i, o := range c.Overlays {
			out.Overlays[i] = o.Clone()
		}
	}
	if c.Captions != nil {
		cs := c.Captions.Clone()
		out.Captions = &cs
	}
	return out
}

func (o Overlay) Clone() Overlay {
	out := o
	out.Enabled = clonePtr(o.Enabled)
	out.Size = clonePtr(o.Size)
	out.Animation = clonePtr(o.Animation)
	return out
}

func (c CaptionSettings) Clone() CaptionSettings {
	out := c
	out.FontSize = clonePtr(c.FontSize)
	out.Mode = clonePtr(c.Mode)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v. Handy for building overlays and patches.
func Ptr[T any](v T) *T {
	return &v
}
