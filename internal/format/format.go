// Package format normalizes raw backend text into the caller's requested
// output contract. Formatting never fails: output that does not follow the
// contract is wrapped into it and reported as not conformed.
package format

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"strings"
)

// Format is an output contract.
type Format string

const (
	Natural Format = "natural"
	JSON    Format = "json"
	XML     Format = "xml"
)

// Formats lists every supported format.
var Formats = []Format{Natural, JSON, XML}

// Parse maps a request value to a Format. The empty string selects Natural.
func Parse(s string) (Format, bool) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", Natural:
		return Natural, true
	case JSON:
		return JSON, true
	case XML:
		return XML, true
	default:
		return "", false
	}
}

// Output is formatted backend text.
type Output struct {
	Text string
	// Conformed is false when the backend ignored the contract and the raw text was wrapped.
	Conformed bool
}

// Document is the structured payload of the json and xml contracts.
type Document struct {
	XMLName        xml.Name `json:"-" xml:"enhancement"`
	EnhancedPrompt string   `json:"enhanced_prompt" xml:"prompt"`
	Improvements   []string `json:"improvements" xml:"improvements>item"`
}

// Apply formats raw backend text under contract f.
func Apply(raw string, f Format) Output {
	body := stripFences(raw)
	switch f {
	case JSON:
		return formatJSON(body)
	case XML:
		return formatXML(body)
	default:
		return Output{Text: body, Conformed: body != ""}
	}
}

// Instruction describes contract f to a backend.
func Instruction(f Format) string {
	switch f {
	case JSON:
		return `Respond with a single JSON object and nothing else, using exactly this shape:
{"enhanced_prompt": "<the improved prompt>", "improvements": ["<short description of each change>"]}`
	case XML:
		return `Respond with a single XML document and nothing else, using exactly this shape:
<enhancement><prompt>the improved prompt</prompt><improvements><item>short description of each change</item></improvements></enhancement>`
	default:
		return "Respond with only the improved prompt as plain text, without commentary or markdown fences."
	}
}

func formatJSON(body string) Output {
	if doc, ok := decodeJSON(body); ok {
		return Output{Text: encodeJSON(doc), Conformed: true}
	}
	if i, j := strings.Index(body, "{"), strings.LastIndex(body, "}"); i >= 0 && j > i {
		if doc, ok := decodeJSON(body[i : j+1]); ok {
			return Output{Text: encodeJSON(doc), Conformed: true}
		}
	}
	return Output{Text: encodeJSON(Document{EnhancedPrompt: body}), Conformed: false}
}

func decodeJSON(s string) (Document, bool) {
	var doc Document
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&doc); err != nil {
		return Document{}, false
	}
	if dec.More() {
		return Document{}, false
	}
	if strings.TrimSpace(doc.EnhancedPrompt) == "" {
		return Document{}, false
	}
	return doc, true
}

func encodeJSON(doc Document) string {
	if doc.Improvements == nil {
		doc.Improvements = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	// Encoding a struct of strings cannot fail.
	_ = enc.Encode(doc)
	return strings.TrimRight(buf.String(), "\n")
}

func formatXML(body string) Output {
	if doc, ok := decodeXML(body); ok {
		return Output{Text: encodeXML(doc), Conformed: true}
	}
	if i, j := strings.Index(body, "<enhancement"), strings.LastIndex(body, "</enhancement>"); i >= 0 && j > i {
		if doc, ok := decodeXML(body[i : j+len("</enhancement>")]); ok {
			return Output{Text: encodeXML(doc), Conformed: true}
		}
	}
	return Output{Text: encodeXML(Document{EnhancedPrompt: body}), Conformed: false}
}

func decodeXML(s string) (Document, bool) {
	var doc Document
	if err := xml.Unmarshal([]byte(s), &doc); err != nil {
		return Document{}, false
	}
	if strings.TrimSpace(doc.EnhancedPrompt) == "" {
		return Document{}, false
	}
	return doc, true
}

func encodeXML(doc Document) string {
	doc.XMLName = xml.Name{}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return ""
	}
	return string(out)
}

// Blank reports whether raw has no content once trimmed and unfenced.
func Blank(raw string) bool {
	return stripFences(raw) == ""
}

// stripFences trims s and removes one surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	inner := strings.TrimSuffix(s[3:], "```")
	// Drop the language tag line, e.g. ```json
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 && !strings.ContainsAny(inner[:nl], " {<") {
		inner = inner[nl+1:]
	}
	return strings.TrimSpace(inner)
}
