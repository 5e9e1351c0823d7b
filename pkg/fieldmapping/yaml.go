package fieldmapping

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseYAML decodes a mapping document authored as YAML. The document is converted to its JSON
// form so stored and authored documents go through the same Parse path.
func ParseYAML(raw []byte) (Document, []byte, error) {
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return Document{}, nil, fmt.Errorf("invalid mapping document: %w", err)
	}
	if _, ok := tree.(map[string]any); !ok {
		return Document{}, nil, fmt.Errorf("invalid mapping document: expected a mapping at the top level")
	}

	data, err := json.Marshal(tree)
	if err != nil {
		return Document{}, nil, fmt.Errorf("invalid mapping document: %w", err)
	}

	doc, err := Parse(data)
	return doc, data, err
}
