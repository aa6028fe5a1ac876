package fetcher

import (
	"bytes"
	"strings"
)

// DefaultBlockIndicators are the phrases that mark a bot-protection page.
var DefaultBlockIndicators = []string{
	"captcha",
	"blocked",
	"access denied",
	"too many requests",
	"rate limit exceeded",
	"automated access",
	"unusual traffic",
	"security check",
}

// BlockDetector scans response bodies for blocking indicators,
// case-insensitively.
type BlockDetector struct {
	indicators []string
	keywords   [][]byte
}

// NewBlockDetector builds a detector. An empty list selects
// DefaultBlockIndicators.
func NewBlockDetector(indicators []string) *BlockDetector {
	if len(indicators) == 0 {
		indicators = DefaultBlockIndicators
	}
	d := &BlockDetector{}
	for _, kw := range indicators {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		d.indicators = append(d.indicators, kw)
		d.keywords = append(d.keywords, bytes.ToLower([]byte(kw)))
	}
	return d
}

// Detect returns the first indicator found in body.
func (d *BlockDetector) Detect(body []byte) (string, bool) {
	if d == nil || len(body) == 0 {
		return "", false
	}
	lowerBody := bytes.ToLower(body)
	for i, kw := range d.keywords {
		if bytes.Contains(lowerBody, kw) {
			return d.indicators[i], true
		}
	}
	return "", false
}
