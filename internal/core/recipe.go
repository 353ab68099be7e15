package core

import "fmt"

// Mode is the kind of transformation requested.
type Mode string

const (
	ModeVideo       Mode = "video"
	ModeFrame       Mode = "frame"
	ModeSpritesheet Mode = "spritesheet"
	ModeAudio       Mode = "audio"
)

func (m Mode) valid() bool {
	switch m {
	case ModeVideo, ModeFrame, ModeSpritesheet, ModeAudio:
		return true
	}
	return false
}

// Fit controls how a requested width/height box is satisfied.
type Fit string

const (
	FitContain   Fit = "contain"
	FitCover     Fit = "cover"
	FitScaleDown Fit = "scale-down"
	FitPad       Fit = "pad"
	FitCrop      Fit = "crop"
)

// Quality is either an explicit preset or "auto".
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	QualityAuto   Quality = "auto"
)

func (q Quality) valid() bool {
	switch q {
	case "", QualityLow, QualityMedium, QualityHigh, QualityAuto:
		return true
	}
	return false
}

// Preload is the playback preload hint for video mode.
type Preload string

const (
	PreloadNone     Preload = "none"
	PreloadMetadata Preload = "metadata"
	PreloadAuto     Preload = "auto"
)

// TransformRecipe is the normalized, validated transformation request that
// drives the entire cache pipeline. It is produced by collaborators
// (internal/recipe, internal/akamai, internal/clienthints) and consumed
// exclusively by the core (internal/fingerprint, internal/orchestrator).
type TransformRecipe struct {
	SourcePath string
	Mode       Mode

	// Sizing
	Width  *int
	Height *int
	Fit    Fit

	// Quality
	Quality     Quality
	Compression Quality
	Bitrate     *int
	Format      string

	// Time window
	Time     *float64
	Duration *float64

	// Playback (video only)
	Loop     *bool
	Autoplay *bool
	Muted    *bool
	Preload  Preload
	Audio    *bool

	// Spritesheet
	Columns  *int
	Rows     *int
	Interval *float64

	Derivative string

	// CustomData is an ordered mapping used to fingerprint responsive-width
	// buckets; order matters for reproducibility of the raw input but the
	// fingerprint itself sorts keys (see internal/fingerprint).
	CustomData []KV
}

// KV is an ordered string key/value pair.
type KV struct {
	Key   string
	Value string
}

const (
	minDim = 10
	maxDim = 2000

	maxTimeSeconds = 600
	minDuration    = 1
	maxDuration    = 300
)

// Validate enforces every invariant from the data model section of the
// specification. It does not mutate the recipe.
func (r *TransformRecipe) Validate() error {
	if r.SourcePath == "" {
		return fmt.Errorf("%w: sourcePath must not be empty", ErrBadRequest)
	}
	if !r.Mode.valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrBadRequest, r.Mode)
	}
	if !r.Quality.valid() {
		return fmt.Errorf("%w: invalid quality %q", ErrBadRequest, r.Quality)
	}
	if !r.Compression.valid() {
		return fmt.Errorf("%w: invalid compression %q", ErrBadRequest, r.Compression)
	}

	if err := validateDim("width", r.Width); err != nil {
		return err
	}
	if err := validateDim("height", r.Height); err != nil {
		return err
	}

	if r.Bitrate != nil && *r.Bitrate <= 0 {
		return fmt.Errorf("%w: bitrate must be positive", ErrBadRequest)
	}

	if r.Time != nil {
		if *r.Time < 0 || *r.Time > maxTimeSeconds {
			return fmt.Errorf("%w: time must be within [0, %d]", ErrBadRequest, maxTimeSeconds)
		}
	}
	if r.Duration != nil {
		if *r.Duration < minDuration || *r.Duration > maxDuration {
			return fmt.Errorf("%w: duration must be within [%d, %d]", ErrBadRequest, minDuration, maxDuration)
		}
	}

	switch r.Mode {
	case ModeAudio:
		if r.Width != nil || r.Height != nil || r.Loop != nil || r.Autoplay != nil ||
			r.Muted != nil || r.Preload != "" || r.Audio != nil {
			return fmt.Errorf("%w: mode=audio must not set sizing or playback fields", ErrBadRequest)
		}
	case ModeSpritesheet:
		if r.Loop != nil || r.Autoplay != nil || r.Muted != nil || r.Preload != "" || r.Audio != nil {
			return fmt.Errorf("%w: mode=spritesheet must not set playback fields", ErrBadRequest)
		}
	case ModeFrame:
		if r.Time == nil {
			return fmt.Errorf("%w: mode=frame requires time", ErrBadRequest)
		}
	}

	if r.Autoplay != nil && *r.Autoplay {
		if r.Muted == nil || !*r.Muted {
			return fmt.Errorf("%w: autoplay=true requires muted=true", ErrBadRequest)
		}
	}

	for _, kv := range r.CustomData {
		if kv.Key == "" {
			return fmt.Errorf("%w: customData keys must not be empty", ErrBadRequest)
		}
	}

	return nil
}

func validateDim(name string, v *int) error {
	if v == nil {
		return nil
	}
	if *v < minDim || *v > maxDim {
		return fmt.Errorf("%w: %s must be within [%d, %d]", ErrBadRequest, name, minDim, maxDim)
	}
	return nil
}
