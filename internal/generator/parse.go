package generator

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/sells-group/refguard/internal/model"
)

type wirePatch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

type wireResponse struct {
	Patches           *[]wirePatch       `json:"patches"`
	ConfidenceScores  map[string]float64 `json:"confidence_scores"`
	OverallConfidence *float64           `json:"overall_confidence"`
	Rationales        map[string]string  `json:"rationales"`
}

// parseOutput decodes model text into a Response. Structurally odd patches
// are kept for the validation pipeline to judge; only output that is not a
// proposal at all is an AdapterError.
func parseOutput(text string) (*Response, error) {
	body := extractJSON(text)
	if body == "" {
		return nil, &AdapterError{Reason: "no JSON object in output", Raw: text}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var w wireResponse
	if err := dec.Decode(&w); err != nil {
		return nil, &AdapterError{Reason: "invalid JSON: " + err.Error(), Raw: text}
	}
	if w.Patches == nil {
		return nil, &AdapterError{Reason: "missing patches", Raw: text}
	}
	if w.OverallConfidence == nil {
		return nil, &AdapterError{Reason: "missing overall_confidence", Raw: text}
	}

	resp := &Response{
		Patches:       make([]model.Patch, 0, len(*w.Patches)),
		RawConfidence: *w.OverallConfidence,
		FieldScores:   w.ConfidenceScores,
		Rationale:     joinRationales(w.Rationales),
	}
	if resp.FieldScores == nil {
		resp.FieldScores = map[string]float64{}
	}
	for _, p := range *w.Patches {
		resp.Patches = append(resp.Patches, model.Patch{Op: p.Op, Path: p.Path, Value: normalizeNumbers(p.Value)})
	}
	return resp, nil
}

// extractJSON strips code fences and surrounding prose.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

func joinRationales(r map[string]string) string {
	parts := make([]string, 0, len(r))
	for _, k := range slices.Sorted(maps.Keys(r)) {
		parts = append(parts, k+": "+r[k])
	}
	return strings.Join(parts, "; ")
}

// normalizeNumbers turns json.Number into its literal string so a year like
// 2019 reaches validation as "2019".
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeNumbers(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeNumbers(e)
		}
		return out
	}
	return v
}
