package cache

import (
	"encoding/json"
	"sort"

	"github.com/JakeFAU/scrapebot/internal/hash/sha256"
	"github.com/JakeFAU/scrapebot/internal/scrape"
)

const selectorParamPrefix = "selector:"

type canonicalKey struct {
	URL    string      `json:"u"`
	Params [][2]string `json:"p"`
}

// DeriveKey returns the cache key for url and params. Param order does not
// matter; any difference in url, names or values yields a different key.
func DeriveKey(url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([][2]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, params[k]})
	}
	// Marshal cannot fail for string-only values.
	data, _ := json.Marshal(canonicalKey{URL: url, Params: pairs})
	return sha256.Sum(data)
}

// SelectorParams flattens a selector set into key params so that two
// resources sharing a URL but extracting different fields do not collide.
func SelectorParams(selectors map[string]scrape.SelectorSpec) map[string]string {
	out := make(map[string]string, len(selectors))
	for field, spec := range selectors {
		data, _ := json.Marshal(spec)
		out[selectorParamPrefix+field] = string(data)
	}
	return out
}

// ResourceParams merges the request params and selector params of res.
func ResourceParams(res scrape.Resource) map[string]string {
	out := SelectorParams(res.Selectors)
	for k, v := range res.Params {
		out[k] = v
	}
	return out
}

// ResourceKey derives the cache key of res.
func ResourceKey(res scrape.Resource) string {
	return DeriveKey(res.URL, ResourceParams(res))
}
