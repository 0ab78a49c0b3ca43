// Path-based override application for configuration documents
package overrides

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// step is one element of a parsed override path.
type step struct {
	key     string
	index   int
	isIndex bool
}

// parsePath splits a dot/index path like "strategy.lookbacks[0].window"
// into steps.
func parsePath(path string) ([]step, error) {
	if path == "" {
		return nil, fmt.Errorf("overrides: empty path")
	}

	var steps []step
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("overrides: path %q has an empty segment", path)
		}

		key := part
		var indexes []int
		for {
			open := strings.IndexByte(key, '[')
			if open < 0 {
				break
			}
			closeIdx := strings.IndexByte(key[open:], ']')
			if closeIdx < 0 {
				return nil, fmt.Errorf("overrides: path %q has an unclosed index", path)
			}
			idx, err := strconv.Atoi(key[open+1 : open+closeIdx])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("overrides: path %q has an invalid index", path)
			}
			indexes = append(indexes, idx)
			key = key[:open] + key[open+closeIdx+1:]
		}

		if key != "" {
			steps = append(steps, step{key: key})
		}
		for _, idx := range indexes {
			steps = append(steps, step{index: idx, isIndex: true})
		}
	}

	if len(steps) == 0 {
		return nil, fmt.Errorf("overrides: path %q resolves to nothing", path)
	}
	return steps, nil
}

// Apply sets every path->value override into the document tree, creating
// missing intermediate maps and extending slices as needed. The input map
// is mutated in place.
func Apply(root map[string]interface{}, ov map[string]interface{}) error {
	// Deterministic application order keeps error messages stable.
	paths := make([]string, 0, len(ov))
	for p := range ov {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		steps, err := parsePath(path)
		if err != nil {
			return err
		}
		if steps[0].isIndex {
			return fmt.Errorf("overrides: path %q must start with a key", path)
		}
		updated, err := set(root, steps, ov[path])
		if err != nil {
			return fmt.Errorf("overrides: apply %q: %w", path, err)
		}
		// The root step is always a key, so root is mutated in place.
		_ = updated
	}
	return nil
}

// ApplyToDocument applies overrides to a YAML document and returns the
// re-serialized result.
func ApplyToDocument(doc []byte, ov map[string]interface{}) ([]byte, error) {
	root := map[string]interface{}{}
	if len(doc) > 0 {
		if err := yaml.Unmarshal(doc, &root); err != nil {
			return nil, fmt.Errorf("overrides: parse document: %w", err)
		}
	}
	if root == nil {
		root = map[string]interface{}{}
	}
	if err := Apply(root, ov); err != nil {
		return nil, err
	}
	out, err := yaml.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("overrides: serialize document: %w", err)
	}
	return out, nil
}

// Get reads the value at path from the document tree. A missing path
// returns false, a malformed one an error.
func Get(root map[string]interface{}, path string) (interface{}, bool, error) {
	steps, err := parsePath(path)
	if err != nil {
		return nil, false, err
	}
	if steps[0].isIndex {
		return nil, false, fmt.Errorf("overrides: path %q must start with a key", path)
	}

	var current interface{} = root
	for _, s := range steps {
		if s.isIndex {
			slice, ok := current.([]interface{})
			if !ok || s.index >= len(slice) {
				return nil, false, nil
			}
			current = slice[s.index]
			continue
		}
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false, nil
		}
		current, ok = m[s.key]
		if !ok {
			return nil, false, nil
		}
	}
	return current, true, nil
}

// GetFromDocument reads the value at path from a YAML document.
func GetFromDocument(doc []byte, path string) (interface{}, bool, error) {
	root := map[string]interface{}{}
	if len(doc) > 0 {
		if err := yaml.Unmarshal(doc, &root); err != nil {
			return nil, false, fmt.Errorf("overrides: parse document: %w", err)
		}
	}
	return Get(root, path)
}

// set walks the container along steps and writes value at the leaf,
// returning the (possibly replaced) container.
func set(container interface{}, steps []step, value interface{}) (interface{}, error) {
	s := steps[0]
	last := len(steps) == 1

	if s.isIndex {
		slice, ok := container.([]interface{})
		if !ok {
			if container == nil {
				slice = nil
			} else {
				return nil, fmt.Errorf("expected a list, found %T", container)
			}
		}
		for len(slice) <= s.index {
			slice = append(slice, nil)
		}
		if last {
			slice[s.index] = value
			return slice, nil
		}
		child, err := set(childFor(slice[s.index], steps[1]), steps[1:], value)
		if err != nil {
			return nil, err
		}
		slice[s.index] = child
		return slice, nil
	}

	m, ok := container.(map[string]interface{})
	if !ok {
		if container == nil {
			m = map[string]interface{}{}
		} else {
			return nil, fmt.Errorf("expected a mapping, found %T", container)
		}
	}
	if last {
		m[s.key] = value
		return m, nil
	}
	child, err := set(childFor(m[s.key], steps[1]), steps[1:], value)
	if err != nil {
		return nil, err
	}
	m[s.key] = child
	return m, nil
}

// childFor returns the existing child or a fresh container matching the
// next step's shape.
func childFor(existing interface{}, next step) interface{} {
	if existing != nil {
		return existing
	}
	if next.isIndex {
		return []interface{}{}
	}
	return map[string]interface{}{}
}
