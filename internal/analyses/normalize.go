package analyses

import (
	"math"
	"strconv"
	"strings"
)

var findingKeys = []string{"criticalPoints", "financialRisks", "unusualLanguage"}

var severitySynonyms = map[string]string{
	"critical": SeverityHigh,
	"severe":   SeverityHigh,
	"major":    SeverityHigh,
	"high":     SeverityHigh,
	"moderate": SeverityMedium,
	"medium":   SeverityMedium,
	"minor":    SeverityLow,
	"low":      SeverityLow,
}

// normalizeChunkPayload repairs the common ways models drift from the
// requested shape, in place, before schema validation.
func normalizeChunkPayload(payload map[string]any) {
	for _, key := range findingKeys {
		items, ok := asArray(payload[key])
		if !ok {
			continue
		}
		for _, item := range items {
			finding, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if sev, ok := finding["severity"].(string); ok {
				finding["severity"] = normalizeSeverity(sev)
			}
			normalizeReference(finding)
		}
		payload[key] = items
	}

	if recs, ok := asArray(payload["recommendations"]); ok {
		for i, item := range recs {
			switch v := item.(type) {
			case string:
				recs[i] = map[string]any{"text": v}
			case map[string]any:
				normalizeReference(v)
			}
		}
		payload["recommendations"] = recs
	}

	if score, ok := scoreValue(payload["overallScore"]); ok {
		payload["overallScore"] = float64(clampScore(int(math.Round(score))))
	} else {
		delete(payload, "overallScore")
	}
}

func normalizeSeverity(sev string) string {
	s := strings.ToLower(strings.TrimSpace(sev))
	if mapped, ok := severitySynonyms[s]; ok {
		return mapped
	}
	return s
}

// normalizeReference drops page numbers below 1 and an emptied reference.
func normalizeReference(item map[string]any) {
	ref, ok := item["reference"].(map[string]any)
	if !ok {
		delete(item, "reference")
		return
	}
	if page, ok := scoreValue(ref["page"]); !ok || page < 1 {
		delete(ref, "page")
	} else {
		ref["page"] = math.Floor(page)
	}
	if len(ref) == 0 {
		delete(item, "reference")
	}
}

// asArray treats a missing or null category as empty. Any other non-array
// value is reported so it reaches schema validation unchanged.
func asArray(v any) ([]any, bool) {
	switch items := v.(type) {
	case nil:
		return []any{}, true
	case []any:
		return items, true
	}
	return nil, false
}

// scoreValue accepts numbers and numeric strings.
func scoreValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func clampScore(score int) int {
	return max(0, min(100, score))
}
