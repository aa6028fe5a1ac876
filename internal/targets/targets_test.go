package targets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapebot/internal/scrape"
)

const catalogYAML = `
targets:
  - name: milk
    url: https://shop.example/milk
    selectors:
      title: h1
      price: {css: .price, transform: float}
      image: {css: img.hero, attr: src}
    params:
      store: "42"
  - name: bread
    url: https://spa.example/bread
    use_rendering: true
    wait_for: .price
    wait_seconds: 5
    headers:
      Referer: https://spa.example/
    selectors:
      price: {css: .price, regex: '(\d+\.\d+)'}
`

func TestLoadCatalog(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	resources, err := Load(path)
	require.NoError(t, err)
	require.Len(t, resources, 2)

	milk := resources[0]
	assert.Equal(t, "milk", milk.Name)
	assert.Equal(t, scrape.SelectorSpec{CSS: "h1"}, milk.Selectors["title"])
	assert.Equal(t, scrape.SelectorSpec{CSS: ".price", Transform: scrape.TransformFloat}, milk.Selectors["price"])
	assert.Equal(t, scrape.SelectorSpec{CSS: "img.hero", Attr: "src"}, milk.Selectors["image"])
	assert.Equal(t, map[string]string{"store": "42"}, milk.Params)
	assert.Equal(t, scrape.StrategyAuto, milk.Strategy())

	bread := resources[1]
	assert.Equal(t, scrape.StrategyRender, bread.Strategy())
	assert.Equal(t, ".price", bread.WaitFor)
	assert.Equal(t, 5, bread.WaitSeconds)
	assert.Equal(t, "https://spa.example/", bread.Headers["Referer"])
	assert.Equal(t, `(\d+\.\d+)`, bread.Selectors["price"].Regex)
}

func TestParseRejectsBadCatalogs(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader(""))
	require.ErrorIs(t, err, ErrEmptyCatalog)

	_, err = Parse(strings.NewReader("targets: []\n"))
	require.ErrorIs(t, err, ErrEmptyCatalog)

	_, err = Parse(strings.NewReader("targets:\n  - url: https://x\n    selecters: {a: b}\n"))
	require.ErrorContains(t, err, "decode targets")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorContains(t, err, "read targets")
}
