package facade

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/win10ogod/skillflow-mcp/internal/util"
)

// contentsFromResult converts an upstream tools/call result into
// downstream content entries. Unknown content types are forwarded as
// text carrying the JSON-serialised original, so new upstream types
// degrade instead of vanishing.
func contentsFromResult(result map[string]any) ([]mcp.Content, bool) {
	isError, _ := result["isError"].(bool)
	raw, ok := result["content"].([]any)
	if !ok {
		// no content list: forward the whole result as text
		return []mcp.Content{jsonText(result)}, isError
	}

	contents := make([]mcp.Content, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			contents = append(contents, jsonText(item))
			continue
		}
		switch entry["type"] {
		case "text":
			text, _ := entry["text"].(string)
			contents = append(contents, mcp.TextContent{Type: "text", Text: text})
		case "image":
			contents = append(contents, mcp.ImageContent{
				Type:     "image",
				Data:     stringField(entry, "data"),
				MIMEType: stringField(entry, "mimeType"),
			})
		case "audio":
			contents = append(contents, mcp.AudioContent{
				Type:     "audio",
				Data:     stringField(entry, "data"),
				MIMEType: stringField(entry, "mimeType"),
			})
		case "resource":
			contents = append(contents, resourceContent(entry))
		default:
			contents = append(contents, jsonText(entry))
		}
	}
	return contents, isError
}

func resourceContent(entry map[string]any) mcp.Content {
	res, ok := entry["resource"].(map[string]any)
	if !ok {
		return jsonText(entry)
	}
	if blob := stringField(res, "blob"); blob != "" {
		return mcp.EmbeddedResource{
			Type: "resource",
			Resource: mcp.BlobResourceContents{
				URI:      stringField(res, "uri"),
				MIMEType: stringField(res, "mimeType"),
				Blob:     blob,
			},
		}
	}
	return mcp.EmbeddedResource{
		Type: "resource",
		Resource: mcp.TextResourceContents{
			URI:      stringField(res, "uri"),
			MIMEType: stringField(res, "mimeType"),
			Text:     stringField(res, "text"),
		},
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func jsonText(v any) mcp.TextContent {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(`{}`)
	}
	return mcp.TextContent{Type: "text", Text: string(raw)}
}

// summariseResult compacts an upstream result for the recording tap:
// enough to reconstruct what happened without storing whole payloads.
func summariseResult(result map[string]any) map[string]any {
	if result == nil {
		return nil
	}
	summary := map[string]any{}
	if isError, ok := result["isError"].(bool); ok {
		summary["is_error"] = isError
	}
	if raw, ok := result["content"].([]any); ok {
		summary["content_items"] = len(raw)
		for _, item := range raw {
			entry, ok := item.(map[string]any)
			if !ok || entry["type"] != "text" {
				continue
			}
			text, _ := entry["text"].(string)
			summary["first_text"] = util.TruncateRunes(text, 200)
			break
		}
	}
	return summary
}
