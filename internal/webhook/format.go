package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/sydlexius/tidepool/internal/event"
)

// formatPayload returns the request body and content-type for a webhook delivery.
func formatPayload(w *Webhook, e event.Event) ([]byte, string) {
	switch w.Type {
	case TypeDiscord:
		return formatDiscord(e)
	case TypeSlack:
		return formatSlack(e)
	default:
		return formatGeneric(e)
	}
}

func formatGeneric(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"event":     string(e.Type),
		"timestamp": e.Timestamp,
		"data":      e.Data,
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func formatDiscord(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"embeds": []map[string]any{
			{
				"title":       fmt.Sprintf("Tidepool: %s", e.Type),
				"description": describe(e),
				"color":       3447003, // blue
				"timestamp":   e.Timestamp.Format("2006-01-02T15:04:05Z"),
			},
		},
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func formatSlack(e event.Event) ([]byte, string) {
	payload := map[string]any{
		"text": fmt.Sprintf("*Tidepool: %s*\n%s", e.Type, describe(e)),
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

// describe renders a human-readable summary of a scan event.
func describe(e event.Event) string {
	user, _ := e.Data["user"].(string)

	switch e.Type {
	case event.ScanStarted:
		return fmt.Sprintf("Scan started for %s", user)
	case event.ScanResumed:
		return fmt.Sprintf("Scan resumed for %s", user)
	case event.ScanCompleted:
		files := asInt(e.Data["files"])
		folders := asInt(e.Data["folders"])
		return fmt.Sprintf("Scan for %s completed: %d media files across %d folders", user, files, folders)
	case event.ScanFailed:
		msg, _ := e.Data["error"].(string)
		return fmt.Sprintf("Scan for %s failed: %s", user, msg)
	case event.CacheCleared:
		return fmt.Sprintf("Index cleared for %s", user)
	default:
		b, _ := json.Marshal(e.Data)
		return string(b)
	}
}

// asInt tolerates the float64 that JSON round-tripping turns ints into.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}
