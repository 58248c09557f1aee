package fusion

// DefaultKeywords replace an empty keyword list
var DefaultKeywords = []string{"artwork", "visual", "creative"}

// Catch-all categories used when nothing in the keyword tables matches
const (
	DefaultStyle = "mixed"
	DefaultMood  = "balanced"
)

// colorFamilies are the colour names results are expressed in
var colorFamilies = map[string]bool{
	"red": true, "orange": true, "yellow": true, "green": true, "cyan": true,
	"blue": true, "purple": true, "magenta": true, "pink": true, "brown": true,
	"beige": true, "white": true, "gray": true, "black": true, "gold": true,
}

// colorVocabulary maps a keyword directly to a colour family
var colorVocabulary = map[string]string{
	"grey":      "gray",
	"sky":       "blue",
	"ocean":     "blue",
	"sea":       "blue",
	"water":     "blue",
	"lake":      "blue",
	"grass":     "green",
	"forest":    "green",
	"tree":      "green",
	"trees":     "green",
	"leaf":      "green",
	"leaves":    "green",
	"fire":      "red",
	"rose":      "red",
	"blood":     "red",
	"cherry":    "red",
	"sun":       "yellow",
	"sunflower": "yellow",
	"lemon":     "yellow",
	"sunset":    "orange",
	"pumpkin":   "orange",
	"snow":      "white",
	"cloud":     "white",
	"clouds":    "white",
	"night":     "black",
	"shadow":    "black",
	"lavender":  "purple",
	"violet":    "purple",
	"wood":      "brown",
	"earth":     "brown",
	"coffee":    "brown",
	"sand":      "beige",
	"desert":    "beige",
	"flamingo":  "pink",
	"blossom":   "pink",
	"golden":    "gold",
	"silver":    "gray",
	"stone":     "gray",
	"concrete":  "gray",
}

// themeColors infers a palette from broader subject keywords
var themeColors = map[string][]string{
	"landscape": {"green", "blue"},
	"nature":    {"green", "brown"},
	"beach":     {"blue", "beige"},
	"coast":     {"blue", "beige"},
	"mountain":  {"gray", "blue"},
	"autumn":    {"orange", "brown"},
	"fall":      {"orange", "brown"},
	"winter":    {"white", "blue"},
	"spring":    {"green", "pink"},
	"summer":    {"yellow", "blue"},
	"urban":     {"gray", "black"},
	"city":      {"gray", "black"},
	"portrait":  {"beige", "brown"},
	"floral":    {"pink", "green"},
	"garden":    {"green", "pink"},
	"abstract":  {"red", "blue", "yellow"},
	"space":     {"black", "purple"},
	"document":  {"white", "black"},
	"artwork":   {"neutral"},
	"creative":  {"neutral"},
}

// Correction adjusts derived colours for a backend whose keywords are
// known to skew them
type Correction struct {
	// Replace maps a derived colour to the one the backend actually means
	Replace map[string]string
	// Drop removes colours the backend over-reports, unless nothing else remains
	Drop []string
}

// DefaultCorrections documents the known biases of the bundled backends,
// keyed by backend name. The OCR backend derives its vocabulary from
// printed text, which tends to name ink and paper rather than the picture,
// and spells shades the way print does.
var DefaultCorrections = map[string]Correction{
	"ocr": {
		Replace: map[string]string{"gold": "yellow"},
		Drop:    []string{"black", "white"},
	},
}

// styleTable infers a style category from keywords
var styleTable = map[string]string{
	"painting":    "painterly",
	"oil":         "painterly",
	"canvas":      "painterly",
	"watercolor":  "painterly",
	"photo":       "photographic",
	"photograph":  "photographic",
	"camera":      "photographic",
	"sketch":      "sketch",
	"drawing":     "sketch",
	"pencil":      "sketch",
	"abstract":    "abstract",
	"geometric":   "abstract",
	"digital":     "digital",
	"render":      "digital",
	"pixel":       "digital",
	"minimal":     "minimalist",
	"minimalist":  "minimalist",
	"vintage":     "vintage",
	"retro":       "vintage",
	"text":        "typographic",
	"typography":  "typographic",
	"lettering":   "typographic",
	"detailed":    "detailed",
	"illustrated": "illustration",
	"cartoon":     "illustration",
	"anime":       "illustration",
}

// moodTable infers a mood category from keywords
var moodTable = map[string]string{
	"bright":     "cheerful",
	"sunny":      "cheerful",
	"happy":      "cheerful",
	"cheerful":   "cheerful",
	"dark":       "somber",
	"night":      "somber",
	"storm":      "somber",
	"rain":       "somber",
	"calm":       "calm",
	"serene":     "calm",
	"peaceful":   "calm",
	"muted":      "calm",
	"vibrant":    "energetic",
	"energetic":  "energetic",
	"dynamic":    "energetic",
	"action":     "energetic",
	"romantic":   "romantic",
	"love":       "romantic",
	"rose":       "romantic",
	"fog":        "mysterious",
	"mysterious": "mysterious",
	"shadow":     "mysterious",
}

// sentinel values are treated as missing
var (
	styleSentinels = map[string]bool{"": true, "unknown": true, "neutral": true}
	moodSentinels  = map[string]bool{"": true, "unknown": true, "neutral": true}
)
