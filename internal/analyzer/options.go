package analyzer

// Options tunes how pixel statistics are turned into a description
type Options struct {
	// Confidence reported on every result
	Confidence float64

	// Pixels with saturation below ChromaFloor have no hue
	ChromaFloor float64

	// A hue must cover MinColorShare of the image to be reported
	MinColorShare float64
	MaxColors     int

	// Neutral tones are reported once they cover NeutralShare of the image
	NeutralShare float64

	// Brightness thresholds on normalized luma
	BrightThreshold float64
	DarkThreshold   float64

	// Saturation thresholds
	VibrantThreshold float64
	MutedThreshold   float64

	// Laplacian variance above which an image is sharp
	SharpThreshold float64

	// Edge detection
	EdgeMagnitude       float64
	DetailedEdgeDensity float64
	MinimalEdgeDensity  float64

	// Feature toggles
	SkipSharpness     bool
	SkipEdgeDetection bool
}

// DefaultOptions returns default analysis options
func DefaultOptions() Options {
	return Options{
		Confidence:          0.4,
		ChromaFloor:         defaultChromaFloor,
		MinColorShare:       0.1,
		MaxColors:           3,
		NeutralShare:        0.3,
		BrightThreshold:     0.7,
		DarkThreshold:       0.3,
		VibrantThreshold:    0.5,
		MutedThreshold:      0.2,
		SharpThreshold:      100.0,
		EdgeMagnitude:       defaultEdgeMagnitude,
		DetailedEdgeDensity: 0.1,
		MinimalEdgeDensity:  0.02,
	}
}

// FastOptions skips the neighbourhood scans and describes colour only
func FastOptions() Options {
	return DefaultOptions().WithFastMode()
}

// WithFastMode disables sharpness and edge analysis
func (opts Options) WithFastMode() Options {
	opts.SkipSharpness = true
	opts.SkipEdgeDetection = true
	return opts
}

// WithConfidence overrides the reported confidence
func (opts Options) WithConfidence(c float64) Options {
	opts.Confidence = c
	return opts
}

// WithBrightnessThresholds sets the bright and dark cut-offs
func (opts Options) WithBrightnessThresholds(bright, dark float64) Options {
	opts.BrightThreshold = bright
	opts.DarkThreshold = dark
	return opts
}

// WithSaturationThresholds sets the vibrant and muted cut-offs
func (opts Options) WithSaturationThresholds(vibrant, muted float64) Options {
	opts.VibrantThreshold = vibrant
	opts.MutedThreshold = muted
	return opts
}
