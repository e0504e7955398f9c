// Package llmjson extracts and repairs the JSON object an LLM was asked to
// produce. Models wrap output in markdown fences, add prose around it, and
// occasionally truncate or mangle the JSON itself.
package llmjson

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// RepairStats tracks what a repair pass did to the raw text.
type RepairStats struct {
	OriginalBytes int           `json:"original_bytes"`
	RepairedBytes int           `json:"repaired_bytes"`
	WasRepaired   bool          `json:"was_repaired"`
	RepairTime    time.Duration `json:"repair_time"`
}

// Extract pulls the outermost JSON object out of an LLM response, stripping
// markdown fences and surrounding prose. Returns "" when no object is found.
func Extract(response string) string {
	trimmed := strings.TrimSpace(response)

	// Whole response is already a JSON object.
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return trimmed
	}

	// Prefer a fenced block when present; the object may still be surrounded
	// by prose inside the fence.
	if idx := strings.Index(response, "```"); idx != -1 {
		response = response[idx:]
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return response[start : end+1]
}

// Repair returns a parseable version of raw. Valid JSON passes through
// untouched; everything else goes through the jsonrepair library.
func Repair(raw string) (string, RepairStats, error) {
	start := time.Now()
	stats := RepairStats{OriginalBytes: len(raw)}

	var probe any
	if json.Unmarshal([]byte(raw), &probe) == nil {
		stats.RepairedBytes = len(raw)
		stats.RepairTime = time.Since(start)
		return raw, stats, nil
	}

	stats.WasRepaired = true
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		stats.RepairTime = time.Since(start)
		return raw, stats, fmt.Errorf("json repair failed: %w", err)
	}

	if json.Unmarshal([]byte(repaired), &probe) != nil {
		stats.RepairedBytes = len(repaired)
		stats.RepairTime = time.Since(start)
		return repaired, stats, fmt.Errorf("json still invalid after repair")
	}

	stats.RepairedBytes = len(repaired)
	stats.RepairTime = time.Since(start)
	return repaired, stats, nil
}
