package models

// AnalyzeURLRequest asks the service to fetch an image and analyze it
type AnalyzeURLRequest struct {
	URL string `json:"url" binding:"required"`
}

// PreloadRequest lists image URLs to warm the cache with
type PreloadRequest struct {
	URLs []string `json:"urls" binding:"required,min=1"`
}

// PreloadResponse acknowledges an accepted preload
type PreloadResponse struct {
	Accepted int    `json:"accepted"`
	Status   string `json:"status"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
}
