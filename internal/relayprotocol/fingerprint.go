package relayprotocol

import (
	"strconv"
	"strings"
)

// Fingerprint derives a stable deduplication key from an event's semantic
// content. The timestamp is deliberately excluded: re-delivery after a
// reconnect may carry a fresh server-generated timestamp, and including it
// would make every message unique. Two events with the same fingerprint are
// the same logical occurrence.
func Fingerprint(msgType string, ev *Event) string {
	marker := ev.Status
	if marker == "" {
		marker = ev.Level
	}
	detail := ev.CurrentStep
	if detail == "" {
		detail = ev.Message
	}
	percent := ""
	if ev.ProgressPercent != nil {
		percent = strconv.Itoa(*ev.ProgressPercent)
	}
	return strings.Join([]string{msgType, ev.AdwID, marker, detail, percent}, "|")
}
