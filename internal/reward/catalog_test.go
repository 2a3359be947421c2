package reward

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogBuiltins(t *testing.T) {
	c := NewCatalog()

	assert.Equal(t, 50, c.BaseValue("worksheet"))
	assert.Equal(t, 75, c.BaseValue("quiz"))
	assert.Equal(t, 100, c.BaseValue("homework"))
	assert.Equal(t, 300, c.BaseValue("exam"))
	assert.Equal(t, DefaultBaseValue, c.BaseValue("unknown-category"))
}

func TestCatalogLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	content := `categories:
  - id: homework
    name: Homework (house rules)
    base_value: 120
  - id: lab
    name: Lab Report
    base_value: 180
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "catalog.yaml"), []byte(content), 0o644))

	c := NewCatalog()
	require.NoError(t, c.LoadFromDir(dir))

	// override wins, new category appears, untouched builtins survive
	assert.Equal(t, 120, c.BaseValue("homework"))
	assert.Equal(t, 180, c.BaseValue("lab"))
	assert.Equal(t, 75, c.BaseValue("quiz"))
}

func TestCatalogLoadRejectsBadEntries(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"missing id", "categories:\n  - name: Nameless\n    base_value: 10\n"},
		{"non-positive value", "categories:\n  - id: broken\n    name: Broken\n    base_value: 0\n"},
		{"bad yaml", "categories: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			c := NewCatalog()
			assert.Error(t, c.LoadFromFile(path))
		})
	}
}
