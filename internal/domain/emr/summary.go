package emr

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

const maxSummaryFields = 5

// changedKeys returns the top-level keys whose values differ between prev and
// next, including keys present on one side only, sorted.
func changedKeys(prev, next Data) []string {
	var keys []string
	for k, nv := range next {
		if pv, ok := prev[k]; !ok || !reflect.DeepEqual(pv, nv) {
			keys = append(keys, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// ChangeSummary describes a write for the revision log.
func ChangeSummary(prev, next Data) string {
	if prev == nil {
		return "Initial data"
	}
	keys := changedKeys(prev, next)
	if len(keys) == 0 {
		return "No changes"
	}
	if len(keys) > maxSummaryFields {
		return fmt.Sprintf("Changed: %s (+%d more)",
			strings.Join(keys[:maxSummaryFields], ", "), len(keys)-maxSummaryFields)
	}
	return "Changed: " + strings.Join(keys, ", ")
}

func withReason(summary, reason string) string {
	return summary + " | Reason: " + reason
}

// extract pulls the denormalized diagnosis fields from data.diagnosis.
func extract(data Data) (summary, code string) {
	diag, ok := data["diagnosis"].(map[string]any)
	if !ok {
		return "", ""
	}
	summary, _ = diag["main"].(string)
	code, _ = diag["icd10_code"].(string)
	return strings.TrimSpace(summary), strings.TrimSpace(code)
}

// treatmentText is the free-text treatment handed to pattern learning:
// data.treatment itself when it is a string, its plan or text field when it is
// an object, otherwise its JSON encoding.
func treatmentText(data Data) string {
	switch t := data["treatment"].(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any:
		for _, k := range []string{"plan", "text"} {
			if s, ok := t[k].(string); ok && s != "" {
				return s
			}
		}
	}
	b, err := json.Marshal(data["treatment"])
	if err != nil {
		return ""
	}
	return string(b)
}
