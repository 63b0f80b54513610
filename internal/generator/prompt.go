package generator

import (
	"encoding/json"
	"strings"
)

const systemPrompt = `You correct bibliographic references to Harvard style.
You never invent data. You only change fields named in the detected violations.
When verified external metadata is present, prefer its values exactly.
Reply with one JSON object and nothing else, in this shape:
{
  "patches": [{"op": "replace", "path": "/field_name", "value": "new value"}],
  "confidence_scores": {"field_name": 0.95},
  "overall_confidence": 0.95,
  "rationales": {"field_name": "why this change is correct"}
}
Use "add" for a field that is currently empty and "replace" otherwise.
Confidence is your probability that the value is correct, between 0 and 1.`

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("## Reference\n")
	writeJSON(&b, req.Reference.Fields)
	b.WriteString("\n## Tier\n")
	b.WriteString(string(req.Tier))
	b.WriteString("\n")
	if len(req.Violations) > 0 {
		b.WriteString("\n## Detected violations\n")
		writeJSON(&b, req.Violations)
	}
	if req.External != nil && len(req.External.Data) > 0 {
		b.WriteString("\n## Verified external metadata (source: ")
		b.WriteString(req.External.Source)
		b.WriteString(")\n")
		writeJSON(&b, req.External.Data)
	}
	b.WriteString("\nReturn the JSON suggestion now.")
	return b.String()
}

func writeJSON(b *strings.Builder, v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		out = []byte("{}")
	}
	b.WriteString("```json\n")
	b.Write(out)
	b.WriteString("\n```\n")
}
