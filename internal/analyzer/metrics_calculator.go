package analyzer

import (
	"image"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/stat"
)

const (
	defaultChromaFloor   = 0.15
	defaultEdgeMagnitude = 50.0
)

// metricsCalculator implements MetricsCalculator with Gonum statistics and
// strip-parallel pixel scans
type metricsCalculator struct {
	slicePool     sync.Pool
	chromaFloor   float64
	edgeMagnitude float64
}

// NewMetricsCalculator creates a calculator. Pixels with saturation below
// chromaFloor count as neutral; Sobel magnitudes above edgeMagnitude count
// as edges. Non-positive values select the defaults.
func NewMetricsCalculator(chromaFloor, edgeMagnitude float64) MetricsCalculator {
	if chromaFloor <= 0 {
		chromaFloor = defaultChromaFloor
	}
	if edgeMagnitude <= 0 {
		edgeMagnitude = defaultEdgeMagnitude
	}
	return &metricsCalculator{
		slicePool: sync.Pool{
			New: func() interface{} {
				return make([]float64, 0, 1024)
			},
		},
		chromaFloor:   chromaFloor,
		edgeMagnitude: edgeMagnitude,
	}
}

// workerStrips splits rows [minY,maxY) into at most NumCPU strips
func workerStrips(minY, maxY int) [][2]int {
	height := maxY - minY
	numWorkers := runtime.NumCPU()
	if height < numWorkers {
		numWorkers = height
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}
	rowsPerWorker := (height + numWorkers - 1) / numWorkers // ceil division

	strips := make([][2]int, 0, numWorkers)
	for startY := minY; startY < maxY; startY += rowsPerWorker {
		endY := startY + rowsPerWorker
		if endY > maxY {
			endY = maxY
		}
		strips = append(strips, [2]int{startY, endY})
	}
	return strips
}

// CalculateBasicMetrics computes channel averages and the hue distribution
func (mc *metricsCalculator) CalculateBasicMetrics(img image.Image) metrics {
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return metrics{}
	}

	type regionResult struct {
		lum, sat, r, g, b float64
		hues              [hueBins]int
		neutral           int
		pixelCount        int
	}

	strips := workerStrips(bounds.Min.Y, bounds.Max.Y)
	results := make(chan regionResult, len(strips))
	var wg sync.WaitGroup

	// Process image in horizontal strips for better cache locality
	for _, strip := range strips {
		wg.Add(1)
		go func(startY, endY int) {
			defer wg.Done()

			var res regionResult
			for y := startY; y < endY; y++ {
				for x := bounds.Min.X; x < bounds.Max.X; x++ {
					rVal, gVal, bVal, _ := img.At(x, y).RGBA()
					rf := float64(rVal) / 65535.0
					gf := float64(gVal) / 65535.0
					bf := float64(bVal) / 65535.0

					h, s, v := mc.rgbToHSV(rf, gf, bf)
					res.sat += s
					res.lum += v
					res.r += rf
					res.g += gf
					res.b += bf
					if s < mc.chromaFloor {
						res.neutral++
					} else {
						res.hues[hueBin(h)]++
					}
					res.pixelCount++
				}
			}
			results <- res
		}(strip[0], strip[1])
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var total regionResult
	for res := range results {
		total.lum += res.lum
		total.sat += res.sat
		total.r += res.r
		total.g += res.g
		total.b += res.b
		total.neutral += res.neutral
		total.pixelCount += res.pixelCount
		for i := range res.hues {
			total.hues[i] += res.hues[i]
		}
	}

	if total.pixelCount == 0 {
		return metrics{}
	}

	pixelCount := float64(total.pixelCount)
	m := metrics{
		avgLuminance:  total.lum / pixelCount,
		avgSaturation: total.sat / pixelCount,
		avgR:          total.r / pixelCount,
		avgG:          total.g / pixelCount,
		avgB:          total.b / pixelCount,
		neutralShare:  float64(total.neutral) / pixelCount,
	}
	for i, n := range total.hues {
		m.hueShare[i] = float64(n) / pixelCount
	}
	return m
}

// hueUpperBounds holds the exclusive upper hue, in degrees, of each sector
// in hueNames order. Red straddles 0 and also takes [345,360).
var hueUpperBounds = [hueBins]float64{15, 45, 75, 165, 195, 255, 290, 345}

// hueBin maps a hue in degrees to its sector
func hueBin(h float64) int {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	for i, upper := range hueUpperBounds {
		if h < upper {
			return i
		}
	}
	return 0
}

// CalculateLaplacianVariance measures sharpness; higher is crisper
func (mc *metricsCalculator) CalculateLaplacianVariance(gray *image.Gray) float64 {
	bounds := gray.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width < 3 || height < 3 {
		return 0
	}

	data := mc.slicePool.Get().([]float64)
	defer func() { mc.slicePool.Put(data[:0]) }()

	if cap(data) < (width-2)*(height-2) {
		data = make([]float64, 0, (width-2)*(height-2))
	}

	// Laplacian kernel: [0, 1, 0; 1, -4, 1; 0, 1, 0]
	for y := bounds.Min.Y + 1; y < bounds.Max.Y-1; y++ {
		for x := bounds.Min.X + 1; x < bounds.Max.X-1; x++ {
			center := float64(gray.GrayAt(x, y).Y)
			top := float64(gray.GrayAt(x, y-1).Y)
			bottom := float64(gray.GrayAt(x, y+1).Y)
			left := float64(gray.GrayAt(x-1, y).Y)
			right := float64(gray.GrayAt(x+1, y).Y)

			data = append(data, -4*center+top+bottom+left+right)
		}
	}

	if len(data) == 0 {
		return 0
	}
	return stat.Variance(data, nil)
}

// CalculateBrightness computes average luma in [0,255]
func (mc *metricsCalculator) CalculateBrightness(gray *image.Gray) float64 {
	bounds := gray.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return 0
	}

	if width*height < 100000 {
		return mc.calculateBrightnessSequential(gray)
	}

	strips := workerStrips(bounds.Min.Y, bounds.Max.Y)
	results := make(chan float64, len(strips))
	var wg sync.WaitGroup

	for _, strip := range strips {
		wg.Add(1)
		go func(startY, endY int) {
			defer wg.Done()

			var totalBrightness float64
			for y := startY; y < endY; y++ {
				for x := bounds.Min.X; x < bounds.Max.X; x++ {
					totalBrightness += float64(gray.GrayAt(x, y).Y)
				}
			}
			results <- totalBrightness
		}(strip[0], strip[1])
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var totalBrightness float64
	for brightness := range results {
		totalBrightness += brightness
	}
	return totalBrightness / float64(width*height)
}

func (mc *metricsCalculator) calculateBrightnessSequential(gray *image.Gray) float64 {
	bounds := gray.Bounds()
	totalPixels := float64(bounds.Dx() * bounds.Dy())

	var totalBrightness float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			totalBrightness += float64(gray.GrayAt(x, y).Y)
		}
	}
	return totalBrightness / totalPixels
}

// CalculateEdgeDensity returns the fraction of interior pixels whose Sobel
// gradient exceeds the edge threshold
func (mc *metricsCalculator) CalculateEdgeDensity(gray *image.Gray) float64 {
	bounds := gray.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width < 3 || height < 3 {
		return 0
	}

	edgeCount := 0
	for y := bounds.Min.Y + 1; y < bounds.Max.Y-1; y++ {
		for x := bounds.Min.X + 1; x < bounds.Max.X-1; x++ {
			gx := mc.calculateSobelX(gray, x, y)
			gy := mc.calculateSobelY(gray, x, y)
			if math.Sqrt(float64(gx*gx+gy*gy)) > mc.edgeMagnitude {
				edgeCount++
			}
		}
	}
	return float64(edgeCount) / float64((width-2)*(height-2))
}

func (mc *metricsCalculator) calculateSobelX(gray *image.Gray, x, y int) int {
	return -1*int(gray.GrayAt(x-1, y-1).Y) + 1*int(gray.GrayAt(x+1, y-1).Y) +
		-2*int(gray.GrayAt(x-1, y).Y) + 2*int(gray.GrayAt(x+1, y).Y) +
		-1*int(gray.GrayAt(x-1, y+1).Y) + 1*int(gray.GrayAt(x+1, y+1).Y)
}

func (mc *metricsCalculator) calculateSobelY(gray *image.Gray, x, y int) int {
	return -1*int(gray.GrayAt(x-1, y-1).Y) - 2*int(gray.GrayAt(x, y-1).Y) - 1*int(gray.GrayAt(x+1, y-1).Y) +
		1*int(gray.GrayAt(x-1, y+1).Y) + 2*int(gray.GrayAt(x, y+1).Y) + 1*int(gray.GrayAt(x+1, y+1).Y)
}

// rgbToHSV converts normalized RGB to hue in degrees and saturation/value in [0,1]
func (mc *metricsCalculator) rgbToHSV(r, g, b float64) (h, s, v float64) {
	max := math.Max(r, math.Max(g, b))
	min := math.Min(r, math.Min(g, b))
	delta := max - min

	v = max

	if max == 0 {
		s = 0
	} else {
		s = delta / max
	}

	if delta == 0 {
		h = 0
	} else if max == r {
		h = 60 * (((g - b) / delta) + 0)
	} else if max == g {
		h = 60 * (((b - r) / delta) + 2)
	} else {
		h = 60 * (((r - g) / delta) + 4)
	}

	if h < 0 {
		h += 360
	}

	return h, s, v
}
