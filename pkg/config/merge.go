package config

import (
	"gopkg.in/yaml.v3"
)

// appendTag marks an overlay sequence that extends the base list instead of
// replacing it.
const appendTag = "!append"

// mergeNodes deep-merges overlay onto base and returns the result.
// Mappings merge key-wise, scalars replace, sequences replace wholesale unless
// the overlay sequence is tagged !append.
func mergeNodes(base, overlay *yaml.Node) *yaml.Node {
	if overlay == nil {
		return base
	}
	if base == nil {
		return overlay
	}
	if base.Kind == yaml.DocumentNode && overlay.Kind == yaml.DocumentNode {
		if len(base.Content) == 0 {
			return overlay
		}
		if len(overlay.Content) == 0 {
			return base
		}
		base.Content[0] = mergeNodes(base.Content[0], overlay.Content[0])
		return base
	}

	switch {
	case base.Kind == yaml.MappingNode && overlay.Kind == yaml.MappingNode:
		for i := 0; i+1 < len(overlay.Content); i += 2 {
			key, value := overlay.Content[i], overlay.Content[i+1]
			if idx := mappingIndex(base, key.Value); idx >= 0 {
				base.Content[idx+1] = mergeNodes(base.Content[idx+1], value)
				continue
			}
			base.Content = append(base.Content, key, value)
		}
		return base
	case base.Kind == yaml.SequenceNode && overlay.Kind == yaml.SequenceNode && overlay.Tag == appendTag:
		base.Content = append(base.Content, overlay.Content...)
		return base
	default:
		return overlay
	}
}

func mappingIndex(node *yaml.Node, key string) int {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return i
		}
	}
	return -1
}

// stripMergeTags clears merge directives so the strict decoder sees plain YAML.
func stripMergeTags(node *yaml.Node) {
	if node == nil {
		return
	}
	if node.Tag == appendTag {
		node.Tag = ""
	}
	for _, child := range node.Content {
		stripMergeTags(child)
	}
}
