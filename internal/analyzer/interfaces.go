package analyzer

import "image"

// MetricsCalculator computes the pixel statistics the local backend
// describes an image with
type MetricsCalculator interface {
	CalculateBasicMetrics(img image.Image) metrics
	CalculateLaplacianVariance(gray *image.Gray) float64
	CalculateBrightness(gray *image.Gray) float64
	CalculateEdgeDensity(gray *image.Gray) float64
}
