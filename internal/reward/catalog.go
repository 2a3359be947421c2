package reward

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultBaseValue is used for categories missing from the catalog
const DefaultBaseValue = 50

// Category describes one work type and its base reward value
type Category struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	BaseValue int    `yaml:"base_value" json:"base_value"`
}

type catalogFile struct {
	Categories []Category `yaml:"categories"`
}

// Catalog maps work categories to base reward values. A built-in table is
// always present; YAML files layered on top override or extend it.
type Catalog struct {
	mu         sync.RWMutex
	categories map[string]Category
}

// NewCatalog creates a catalog preloaded with the built-in category table
func NewCatalog() *Catalog {
	c := &Catalog{categories: make(map[string]Category)}
	for _, cat := range builtinCategories {
		c.categories[cat.ID] = cat
	}
	return c
}

var builtinCategories = []Category{
	{ID: "worksheet", Name: "Worksheet", BaseValue: 50},
	{ID: "reading", Name: "Reading", BaseValue: 50},
	{ID: "quiz", Name: "Quiz", BaseValue: 75},
	{ID: "homework", Name: "Homework", BaseValue: 100},
	{ID: "essay", Name: "Essay", BaseValue: 150},
	{ID: "presentation", Name: "Presentation", BaseValue: 200},
	{ID: "project", Name: "Project", BaseValue: 250},
	{ID: "exam", Name: "Exam", BaseValue: 300},
}

// LoadFromDir loads all YAML catalog files from a directory
func (c *Catalog) LoadFromDir(dir string) error {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		files = append(files, matches...)
	}

	for _, file := range files {
		if err := c.LoadFromFile(file); err != nil {
			return fmt.Errorf("failed to load catalog file %s: %w", file, err)
		}
	}
	return nil
}

// LoadFromFile loads category definitions from a single YAML file
func (c *Catalog) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cat := range cf.Categories {
		if cat.ID == "" {
			return fmt.Errorf("category id is required in %s", path)
		}
		if cat.BaseValue <= 0 {
			return fmt.Errorf("category %s: base_value must be positive", cat.ID)
		}
		c.categories[cat.ID] = cat
	}
	return nil
}

// BaseValue returns the base reward for a category, falling back to
// DefaultBaseValue for unknown categories.
func (c *Catalog) BaseValue(category string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if cat, ok := c.categories[category]; ok {
		return cat.BaseValue
	}
	return DefaultBaseValue
}

// List returns all known categories
func (c *Catalog) List() []Category {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Category, 0, len(c.categories))
	for _, cat := range c.categories {
		out = append(out, cat)
	}
	return out
}
