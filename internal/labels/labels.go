// Package labels holds the class names a model's output indexes map onto.
package labels

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrIndexOutOfRange is returned when a model output index has no class name.
var ErrIndexOutOfRange = errors.New("class index out of range")

// Default is the class list used when no label file is configured.
var Default = []string{
	"Algal_Leaf_in_Tea",
	"Anthracnose_in_Mango",
	"Anthracnose_in_Tea",
	"Anthracnose_Leaf_Spot_in_Spinach",
	"Apple_Scab_on_Apple",
	"Bacterial_Blight_in_Rice",
}

// Style controls how class names are rendered in responses.
type Style string

const (
	// Underscore returns names as stored, e.g. "Apple_Scab_on_Apple".
	Underscore Style = "underscore"
	// Space replaces underscores with spaces, e.g. "Apple Scab on Apple".
	Space Style = "space"
)

// ParseStyle maps a config value onto a Style.
func ParseStyle(s string) (Style, error) {
	switch Style(strings.ToLower(s)) {
	case "", Underscore:
		return Underscore, nil
	case Space:
		return Space, nil
	}
	return "", errors.Errorf("unknown label style %q", s)
}

// Format renders name in the given style.
func Format(name string, style Style) string {
	if style == Space {
		return strings.Join(strings.FieldsFunc(name, func(r rune) bool { return r == '_' }), " ")
	}
	return name
}

// Load reads class names from path. A .json file is read as model metadata and
// its "classes" array is used; anything else is read one name per line, with blank
// lines and lines starting with '#' skipped.
func Load(path string) ([]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return loadJSON(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open label file")
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read label file")
	}
	if len(names) == 0 {
		return nil, errors.Errorf("label file %s has no class names", path)
	}
	return names, nil
}

func loadJSON(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read metadata")
	}
	var meta struct {
		Classes []string `json:"classes"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrap(err, "failed to parse metadata")
	}
	if len(meta.Classes) == 0 {
		return nil, errors.Errorf("metadata %s has no classes", path)
	}
	return meta.Classes, nil
}

// Set is an immutable, formatted class list.
type Set struct {
	names []string
}

// NewSet formats names with style. The input slice is not retained.
func NewSet(names []string, style Style) *Set {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = Format(n, style)
	}
	return &Set{names: out}
}

// Len is the number of classes.
func (s *Set) Len() int { return len(s.names) }

// Name returns the class name for output index i.
func (s *Set) Name(i int) (string, error) {
	if i < 0 || i >= len(s.names) {
		return "", errors.Wrapf(ErrIndexOutOfRange, "index %d, %d classes", i, len(s.names))
	}
	return s.names[i], nil
}

// Names returns a copy of the formatted class list.
func (s *Set) Names() []string {
	return append([]string(nil), s.names...)
}
