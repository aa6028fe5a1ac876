// Package extract turns fetched HTML into field payloads using goquery.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapebot/internal/scrape"
)

var errEmptyDocument = errors.New("empty document")

// Extractor implements scrape.Extractor. Each field takes the first element
// matching its CSS selector; fields that cannot be extracted are nil.
type Extractor struct {
	logger *zap.Logger

	mu      sync.Mutex
	regexps map[string]*regexp.Regexp
}

// New returns an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		logger:  logger,
		regexps: make(map[string]*regexp.Regexp),
	}
}

// Extract applies selectors to body. Only a document that cannot be parsed
// fails the call; per-field problems are logged and yield nil.
func (e *Extractor) Extract(
	_ context.Context,
	url string,
	body []byte,
	selectors map[string]scrape.SelectorSpec,
) (scrape.Payload, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &scrape.ParsingError{URL: url, Err: errEmptyDocument}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &scrape.ParsingError{URL: url, Err: err}
	}

	fields := make([]string, 0, len(selectors))
	for name := range selectors {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	payload := make(scrape.Payload, len(selectors))
	for _, name := range fields {
		spec := selectors[name]
		value, err := e.field(doc, spec)
		if err != nil {
			e.logger.Warn("field extraction failed",
				zap.String("url", url),
				zap.String("field", name),
				zap.String("css", spec.CSS),
				zap.Error(err),
			)
			payload[name] = nil
			continue
		}
		payload[name] = value
	}
	return payload, nil
}

func (e *Extractor) field(doc *goquery.Document, spec scrape.SelectorSpec) (any, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	sel := doc.Find(spec.CSS).First()
	if sel.Length() == 0 {
		return nil, nil
	}

	var value string
	if spec.Attr != "" {
		attr, ok := sel.Attr(spec.Attr)
		if !ok {
			return nil, nil
		}
		value = strings.TrimSpace(attr)
	} else {
		value = strings.TrimSpace(sel.Text())
	}
	if value == "" {
		return value, nil
	}

	if spec.Regex != "" {
		re, err := e.compile(spec.Regex)
		if err != nil {
			return nil, err
		}
		if m := re.FindStringSubmatch(value); m != nil {
			value = m[0]
			if len(m) > 1 {
				value = m[1]
			}
		}
	}
	return transform(value, spec.Transform)
}

func (e *Extractor) compile(pattern string) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.regexps[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile regex %q: %w", pattern, err)
	}
	e.regexps[pattern] = re
	return re, nil
}

func transform(value string, t scrape.Transform) (any, error) {
	switch t {
	case scrape.TransformFloat:
		cleaned := strings.TrimSpace(strings.NewReplacer(",", "", "$", "").Replace(value))
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil, fmt.Errorf("convert %q to float: %w", value, err)
		}
		return f, nil
	case scrape.TransformInt:
		cleaned := strings.TrimSpace(strings.ReplaceAll(value, ",", ""))
		n, err := strconv.ParseInt(cleaned, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("convert %q to int: %w", value, err)
		}
		return n, nil
	default:
		return value, nil
	}
}
