package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"time"

	"github.com/JakeFAU/scrapebot/internal/scrape"
)

// Entry is one cached payload. Entries are never mutated; Set replaces them.
type Entry struct {
	Key       string            `json:"key"`
	URL       string            `json:"url"`
	Params    map[string]string `json:"params,omitempty"`
	Payload   scrape.Payload    `json:"data"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Valid reports whether the entry is still live at now.
func (e Entry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// clone copies the maps so callers cannot reach the cached entry.
func (e Entry) clone() Entry {
	e.Params = maps.Clone(e.Params)
	e.Payload = maps.Clone(e.Payload)
	return e
}

// diskRecord is the on-disk JSON layout: expiry is epoch seconds, timestamp
// is the RFC 3339 creation time.
type diskRecord struct {
	Key       string            `json:"key"`
	URL       string            `json:"url"`
	Params    map[string]string `json:"params"`
	Data      scrape.Payload    `json:"data"`
	Expiry    float64           `json:"expiry"`
	Timestamp string            `json:"timestamp"`
}

var errCorruptRecord = errors.New("corrupt cache record")

func encodeRecord(e Entry) ([]byte, error) {
	rec := diskRecord{
		Key:       e.Key,
		URL:       e.URL,
		Params:    e.Params,
		Data:      e.Payload,
		Expiry:    float64(e.ExpiresAt.UnixNano()) / float64(time.Second),
		Timestamp: e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode cache record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (Entry, error) {
	var rec diskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Entry{}, fmt.Errorf("%w: %w", errCorruptRecord, err)
	}
	if rec.Key == "" || rec.Expiry <= 0 || math.IsInf(rec.Expiry, 0) || math.IsNaN(rec.Expiry) {
		return Entry{}, fmt.Errorf("%w: missing key or expiry", errCorruptRecord)
	}
	created, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: timestamp: %w", errCorruptRecord, err)
	}
	// Expiry is a float; round to microseconds to undo binary fraction error.
	micros := int64(math.Round(rec.Expiry * 1e6))
	return Entry{
		Key:       rec.Key,
		URL:       rec.URL,
		Params:    rec.Params,
		Payload:   rec.Data,
		CreatedAt: created.UTC(),
		ExpiresAt: time.UnixMicro(micros).UTC(),
	}, nil
}

// normalizePayload renders time values as RFC 3339 strings so that memory
// and disk hits return the same shapes.
func normalizePayload(p scrape.Payload) scrape.Payload {
	if p == nil {
		return scrape.Payload{}
	}
	out := make(scrape.Payload, len(p))
	for k, v := range p {
		switch t := v.(type) {
		case time.Time:
			out[k] = t.UTC().Format(time.RFC3339Nano)
		case *time.Time:
			if t == nil {
				out[k] = nil
			} else {
				out[k] = t.UTC().Format(time.RFC3339Nano)
			}
		default:
			out[k] = v
		}
	}
	return out
}

func cloneParams(params map[string]string) map[string]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
