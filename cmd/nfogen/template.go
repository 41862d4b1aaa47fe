package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fieldOrder is the element order in the generated document. A field is
// emitted when the template file contains its key, whatever the value.
var fieldOrder = []string{
	"title", "showtitle", "season", "episode", "plot", "runtime", "id", "studio", "genre",
}

// RatingSpec is one entry under the template's ratings list. Value and
// Votes are fallbacks for downloads that carry no rating data.
type RatingSpec struct {
	Name    string  `yaml:"name"`
	Max     int     `yaml:"max"`
	Default bool    `yaml:"default"`
	Value   float64 `yaml:"value"`
	Votes   int     `yaml:"votes"`
}

// Template drives which elements the converter emits.
//
// The file is a flat YAML mapping: a key per enabled field (title, showtitle,
// season, episode, plot, runtime, id, studio, genre) plus an optional
// ratings list:
//
//	title: true
//	plot: true
//	ratings:
//	  - name: youtube
//	    max: 5
//	    default: true
type Template struct {
	enabled map[string]bool
	Ratings []RatingSpec
}

// Enabled reports whether the template lists the field.
func (t *Template) Enabled(field string) bool {
	return t.enabled[field]
}

// LoadTemplate reads and decodes the template file.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}

	tpl := &Template{enabled: make(map[string]bool, len(raw))}
	for key, node := range raw {
		if key == "ratings" {
			if err := node.Decode(&tpl.Ratings); err != nil {
				return nil, fmt.Errorf("parse template %s: ratings: %w", path, err)
			}
			continue
		}
		tpl.enabled[key] = true
	}
	return tpl, nil
}
