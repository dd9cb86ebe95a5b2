package media

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

type Kind int

const (
	KindPlatform Kind = iota
	KindDirect
)

// Source is a classified locator.
type Source struct {
	Kind     Kind
	Platform string
	URL      *url.URL
}

var platforms = map[string]string{
	"youtube.com": "youtube",
	"youtu.be":    "youtube",
	"vimeo.com":   "vimeo",
}

var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".webm": true, ".avi": true, ".mov": true, ".flv": true,
	".wmv": true, ".m4v": true, ".mpeg": true, ".mpg": true, ".3gp": true,
}

// IsVideoFile reports whether name carries a supported video extension.
func IsVideoFile(name string) bool {
	return videoExtensions[strings.ToLower(path.Ext(name))]
}

// Classify accepts http(s) URLs pointing at a supported platform or directly at a video file.
func Classify(locator string) (*Source, error) {
	u, err := url.Parse(strings.TrimSpace(locator))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInput, locator)
	}
	if IsVideoFile(u.Path) {
		return &Source{Kind: KindDirect, Platform: "direct", URL: u}, nil
	}
	host := strings.ToLower(u.Hostname())
	for domain, name := range platforms {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return &Source{Kind: KindPlatform, Platform: name, URL: u}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, host)
}
