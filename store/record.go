package store

import (
	"encoding/json"
	"log/slog"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaVersion is the current GameRecord schema version
const SchemaVersion = 1

// MessageRef identifies a live message at a presentation destination
type MessageRef struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
}

// GameRecord is the per-entity state persisted between reconciliations.
// One record exists per tracked entity, keyed by its stable id.
type GameRecord struct {
	Version  int    `json:"version"`
	EntityID string `json:"entityId"`

	// Live message references, nil when no message exists
	Public     *MessageRef `json:"publicMessage,omitempty"`
	Moderation *MessageRef `json:"moderationMessage,omitempty"`

	// HasBeenModerated latches true once the entity crosses the
	// moderation threshold and never resets
	HasBeenModerated bool `json:"hasBeenModerated"`

	// LastSnapshotUnix is the time of the last successful reconciliation
	LastSnapshotUnix int64 `json:"lastSnapshot"`

	// Cached descriptive fields so stats and moderator-action replays work
	// without refetching the source
	PlayerCount int    `json:"playerCount"`
	Name        string `json:"name,omitempty"`
	SourceRef   string `json:"sourceRef,omitempty"`
	JobID       string `json:"jobId,omitempty"`
}

// recordSchema validates stored record payloads on read. Unknown or legacy
// shapes fail validation and degrade to an absent record rather than crashing
// the reconciliation.
const recordSchema = `{
	"type": "object",
	"required": ["version", "entityId", "lastSnapshot"],
	"properties": {
		"version": {"type": "integer", "enum": [1]},
		"entityId": {"type": "string", "minLength": 1},
		"publicMessage": {"$ref": "#/definitions/messageRef"},
		"moderationMessage": {"$ref": "#/definitions/messageRef"},
		"hasBeenModerated": {"type": "boolean"},
		"lastSnapshot": {"type": "integer", "minimum": 0},
		"playerCount": {"type": "integer", "minimum": 0},
		"name": {"type": "string"},
		"sourceRef": {"type": "string"},
		"jobId": {"type": "string"}
	},
	"definitions": {
		"messageRef": {
			"type": "object",
			"required": ["channelId", "messageId"],
			"properties": {
				"channelId": {"type": "string", "minLength": 1},
				"messageId": {"type": "string", "minLength": 1}
			}
		}
	}
}`

var compiledRecordSchema = gojsonschema.NewStringLoader(recordSchema)

// decodeRecord parses and validates a stored record payload. Returns nil for
// payloads that do not conform to the current schema.
func decodeRecord(raw []byte, logger *slog.Logger) *GameRecord {
	result, err := gojsonschema.Validate(compiledRecordSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil || !result.Valid() {
		if logger != nil {
			logger.Warn("discarding record with unknown shape", "error", err, "payload_bytes", len(raw))
		}
		return nil
	}

	var rec GameRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		if logger != nil {
			logger.Warn("discarding unparseable record", "error", err)
		}
		return nil
	}
	return &rec
}

// encodeRecord serializes a record, stamping the current schema version
func encodeRecord(rec *GameRecord) ([]byte, error) {
	rec.Version = SchemaVersion
	return json.Marshal(rec)
}
