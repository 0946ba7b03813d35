package domain

// Chat roles understood by the completion backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PartType tags a single ContentPart.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image_url"
)

// ContentPart is one element of a multimodal message. ImageURL may be an
// https URL or a data: URI carrying base64-encoded bytes.
type ContentPart struct {
	Type     PartType
	Text     string
	ImageURL string
}

// ChatMessage is the provider-agnostic chat message shape used by the
// dispatcher and LLM integrations. When Parts is non-empty it takes
// precedence over Content.
type ChatMessage struct {
	Role    string
	Content string
	Parts   []ContentPart
}

// TextPart builds a text ContentPart.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds an image ContentPart.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImage, ImageURL: url}
}
