package analyzer

// hueBins is the number of named colour sectors; see hueUpperBounds
const hueBins = 8

var hueNames = [hueBins]string{"red", "orange", "yellow", "green", "cyan", "blue", "purple", "magenta"}

// metrics holds internal calculation results
type metrics struct {
	avgLuminance, avgSaturation float64
	avgR, avgG, avgB            float64
	// hueShare is the fraction of all pixels falling in each chromatic sector
	hueShare [hueBins]float64
	// neutralShare is the fraction of pixels too unsaturated to have a hue
	neutralShare float64
}
