package gateway

import (
	"path"
	"strings"
)

// Category is the request class that selects a caching strategy and the
// partition it is bound to.
type Category string

const (
	CategoryStatic Category = "static"
	CategoryImage  Category = "image"
	CategoryAPI    Category = "api"
	CategoryPage   Category = "page"
	CategoryOther  Category = "other"
)

var staticExtensions = map[string]struct{}{
	".js":    {},
	".css":   {},
	".woff":  {},
	".woff2": {},
	".ttf":   {},
	".eot":   {},
}

var imageExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".svg":  {},
	".webp": {},
	".ico":  {},
}

// Classifier maps request paths to categories. It is pure: no network or
// cache access, and unmatched paths degrade to CategoryOther.
type Classifier struct {
	// offlineRoutes is the allow list of routes served as offline-capable
	// pages. Matching is by path prefix.
	offlineRoutes []string
}

// NewClassifier creates a classifier with the given offline-capable
// routes. A nil slice means only the root document classifies as a page.
func NewClassifier(offlineRoutes []string) Classifier {
	return Classifier{offlineRoutes: offlineRoutes}
}

// Classify returns the category for a request path. Rules are evaluated in
// precedence order: static extension, image extension, api, page, other.
func (c Classifier) Classify(p string) Category {
	ext := strings.ToLower(path.Ext(p))
	if _, ok := staticExtensions[ext]; ok {
		return CategoryStatic
	}
	if _, ok := imageExtensions[ext]; ok {
		return CategoryImage
	}
	// NOTE: the substring match is overbroad ("/rapid-store" is an API
	// request under this rule). Kept for compatibility with the documented
	// behavior.
	if strings.HasPrefix(p, "/api/") || strings.Contains(p, "api") {
		return CategoryAPI
	}
	if p == "/" {
		return CategoryPage
	}
	for _, route := range c.offlineRoutes {
		if strings.HasPrefix(p, route) {
			return CategoryPage
		}
	}
	return CategoryOther
}
