package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Extract evaluates a $.-rooted JSONPath against an arbitrary document.
// The boolean reports whether the path matched.
func Extract(doc any, path string) (any, bool, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, false, fmt.Errorf("transform: marshal document: %w", err)
	}
	gp, err := toGJSONPath(path)
	if err != nil {
		return nil, false, err
	}
	if gp == "" {
		// "$" selects the whole document
		return doc, true, nil
	}
	res := gjson.GetBytes(raw, gp)
	if !res.Exists() {
		return nil, false, nil
	}
	return res.Value(), true, nil
}

// toGJSONPath rewrites a $.-rooted JSONPath into gjson syntax:
// "$.items[0].name" becomes "items.0.name".
func toGJSONPath(path string) (string, error) {
	p := strings.TrimSpace(path)
	switch {
	case p == "$":
		return "", nil
	case strings.HasPrefix(p, "$."):
		p = p[2:]
	case strings.HasPrefix(p, "$["):
		p = p[1:]
	default:
		return "", fmt.Errorf("transform: JSONPath %q must start with $", path)
	}
	p = strings.ReplaceAll(p, "[", ".")
	p = strings.ReplaceAll(p, "]", "")
	p = strings.Trim(p, ".")
	if p == "" {
		return "", fmt.Errorf("transform: empty JSONPath %q", path)
	}
	return p, nil
}
