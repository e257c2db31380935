package gateway

// Payload is the wire shape of a presentation message. Assembly of the
// human-facing body lives in the format package; the gateway only transports
// it.
type Payload struct {
	Content    string      `json:"content,omitempty"`
	Embeds     []Embed     `json:"embeds,omitempty"`
	Components []ActionRow `json:"components,omitempty"`
}

// Embed is a rich message body
type Embed struct {
	Title       string       `json:"title,omitempty"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// EmbedField is one titled section of an embed
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// EmbedFooter is the embed footer line
type EmbedFooter struct {
	Text string `json:"text"`
}

// ActionRow is a row of interactive components
type ActionRow struct {
	Type       int      `json:"type"` // always 1
	Components []Button `json:"components"`
}

// Button is one interactive button
type Button struct {
	Type     int    `json:"type"`  // always 2
	Style    int    `json:"style"` // 1 primary, 3 success
	Label    string `json:"label"`
	CustomID string `json:"custom_id"`
}
