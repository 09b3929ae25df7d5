package syncer

import "strings"

// enumeratedFields are payload fields whose values are normalized to a
// canonical lowercase form on both push and pull.
var enumeratedFields = []string{"instrument", "sessionType", "mood"}

func normalizeEnumeratedFields(payload map[string]any) {
	for _, field := range enumeratedFields {
		if value, ok := payload[field].(string); ok {
			payload[field] = strings.ToLower(strings.TrimSpace(value))
		}
	}
}

// canonicalEntityID reconciles the two accepted identifier spellings into the
// canonical one and reports the resolved value.
func canonicalEntityID(payload map[string]any) string {
	entityID, _ := payload["entityId"].(string)
	if strings.TrimSpace(entityID) == "" {
		entityID, _ = payload["id"].(string)
	}
	entityID = strings.TrimSpace(entityID)
	if entityID != "" {
		payload["entityId"] = entityID
		delete(payload, "id")
	}
	return entityID
}

// identityFields are excluded from content checksums so that a client
// resubmitting unchanged content under a regenerated local id still hashes
// identically and trips duplicate suppression.
var identityFields = []string{"entityId", "id", "userId"}

func checksumContent(payload map[string]any) map[string]any {
	content := make(map[string]any, len(payload))
	for key, value := range payload {
		content[key] = value
	}
	for _, field := range identityFields {
		delete(content, field)
	}
	return content
}

func copyPayload(payload map[string]any) map[string]any {
	duplicate := make(map[string]any, len(payload))
	for key, value := range payload {
		duplicate[key] = value
	}
	return duplicate
}
