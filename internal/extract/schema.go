package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Each category document wraps its records in an "iocs" array.
const envelopeKey = "iocs"

// ISO 8601 date-time with an optional zone; a missing zone is read as UTC.
const timestampPattern = `"^\\d{4}-\\d{2}-\\d{2}[T ]\\d{2}:\\d{2}(:\\d{2}(\\.\\d+)?)?(Z|[+-]\\d{2}:?\\d{2})?$"`

const hostItemSchema = `{
	"type": "object",
	"properties": {
		"submitted_by":   {"type": "string", "description": "Analyst or system that submitted the IOC."},
		"source":         {"type": "string", "description": "Source of the IOC (e.g. 'EDR', 'Analyst Observation')."},
		"status":         {"type": "string", "description": "Status of the IOC (e.g. 'Confirmed', 'Suspicious')."},
		"indicator_id":   {"type": "string", "description": "Identifier for the IOC."},
		"indicator_type": {"type": "string", "enum": ["file", "process", "registry", "service", "driver", "scheduled_task"]},
		"indicator":      {"type": "string", "description": "The IOC itself (e.g. file name, registry key)."},
		"full_path":      {"type": ["string", "null"]},
		"sha256":         {"type": ["string", "null"]},
		"sha1":           {"type": ["string", "null"]},
		"md5":            {"type": ["string", "null"]},
		"type_purpose":   {"type": ["string", "null"]},
		"size_bytes":     {"type": ["integer", "null"]},
		"notes":          {"type": ["string", "null"]}
	},
	"required": ["submitted_by", "source", "status", "indicator_id", "indicator_type", "indicator"]
}`

const networkItemSchema = `{
	"type": "object",
	"properties": {
		"submitted_by":          {"type": "string", "description": "Analyst or system that submitted the IOC."},
		"source":                {"type": "string", "description": "Source of the IOC (e.g. 'Firewall', 'Proxy Logs')."},
		"status":                {"type": "string", "description": "Status of the IOC (e.g. 'Confirmed', 'Suspicious')."},
		"indicator_id":          {"type": "string", "description": "Identifier for the IOC."},
		"indicator_type":        {"type": "string", "enum": ["ip", "domain", "fqdn", "url", "uri", "ja3", "ja3s"]},
		"indicator":             {"type": "string", "description": "The IOC itself (e.g. IP address, domain name)."},
		"initial_lead":          {"type": ["string", "null"]},
		"details_comments":      {"type": ["string", "null"]},
		"earliest_evidence_utc": {"type": ["string", "null"], "pattern": ` + timestampPattern + `},
		"attack_alignment":      {"type": ["string", "null"]},
		"notes":                 {"type": ["string", "null"]}
	},
	"required": ["submitted_by", "source", "status", "indicator_id", "indicator_type", "indicator"]
}`

const timelineItemSchema = `{
	"type": "object",
	"properties": {
		"submitted_by":     {"type": "string", "description": "Analyst or system that submitted the entry."},
		"status_tag":       {"type": "string", "enum": ["Confirmed", "Suspicious", "Benign"]},
		"system_name":      {"type": ["string", "null"], "description": "Hostname or system where the event occurred, 'Unknown' if absent."},
		"timestamp_utc":    {"type": "string", "pattern": ` + timestampPattern + `},
		"timestamp_type":   {"type": "string", "enum": ["Creation Time", "Execution Time", "Event Time", "Discovery Time"]},
		"activity":         {"type": "string", "description": "Description of the activity that occurred."},
		"evidence_source":  {"type": "string", "description": "Source of the evidence (e.g. 'Sysmon', 'MFT')."},
		"details_comments": {"type": ["string", "null"]},
		"attack_alignment": {"type": ["string", "null"]},
		"size_bytes":       {"type": ["integer", "null"]},
		"hash":             {"type": ["string", "null"]},
		"notes":            {"type": ["string", "null"]}
	},
	"required": ["submitted_by", "status_tag", "system_name", "timestamp_utc", "timestamp_type", "activity", "evidence_source"]
}`

func envelope(item string) json.RawMessage {
	return json.RawMessage(`{
	"type": "object",
	"properties": {"` + envelopeKey + `": {"type": "array", "items": ` + item + `}},
	"required": ["` + envelopeKey + `"]
}`)
}

var schemaDocuments = map[Category]json.RawMessage{
	CategoryHost:     envelope(hostItemSchema),
	CategoryNetwork:  envelope(networkItemSchema),
	CategoryTimeline: envelope(timelineItemSchema),
}

// SchemaFor returns the output schema the backend is asked to follow for category c.
func SchemaFor(c Category) *OutputSchema {
	doc, ok := schemaDocuments[c]
	if !ok {
		return nil
	}
	return &OutputSchema{
		Name:        string(c) + "_extraction",
		Description: fmt.Sprintf("Record the %s records extracted from the incident narrative.", c),
		Document:    doc,
	}
}

// Validator parses raw model output into typed records. Compiled schemas are
// read-only after construction so one Validator is shared by every branch.
type Validator struct {
	schemas map[Category]*jsonschema.Schema
	fields  *validator.Validate
}

// NewValidator compiles the category schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[Category]*jsonschema.Schema, len(schemaDocuments)),
		fields:  validator.New(),
	}
	for c, doc := range schemaDocuments {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		url := "mem://quarry/" + string(c) + ".json"
		if err := compiler.AddResource(url, strings.NewReader(string(doc))); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", c, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", c, err)
		}
		v.schemas[c] = compiled
	}
	return v, nil
}

// checkDocument decodes raw and validates it against the category schema.
// It returns the cleaned document text.
func (v *Validator) checkDocument(c Category, raw string) (string, error) {
	doc := stripCodeFence(raw)
	if doc == "" {
		return "", &ValidationError{Category: c, Reason: "response was empty, expected a JSON object with an \"iocs\" array"}
	}

	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", &ValidationError{Category: c, Reason: "response is not valid JSON", Err: err}
	}

	schema, ok := v.schemas[c]
	if !ok {
		return "", &ValidationError{Category: c, Reason: "unknown category"}
	}
	if err := schema.Validate(generic); err != nil {
		return "", &ValidationError{Category: c, Reason: "response does not match the required schema", Err: err}
	}
	return doc, nil
}

// decodeRecords runs the full validation pipeline for one category: schema,
// typed decode, post-processing and per-record field constraints.
func decodeRecords[T any](v *Validator, c Category, raw string, post func([]T)) ([]T, error) {
	doc, err := v.checkDocument(c, raw)
	if err != nil {
		return nil, err
	}

	var env struct {
		Records []T `json:"iocs"`
	}
	if err := json.Unmarshal([]byte(doc), &env); err != nil {
		return nil, &ValidationError{Category: c, Reason: "records could not be decoded", Err: err}
	}

	records := env.Records
	if records == nil {
		records = []T{}
	}
	if post != nil {
		post(records)
	}

	for i := range records {
		if err := v.fields.Struct(&records[i]); err != nil {
			return nil, &ValidationError{Category: c, Reason: fmt.Sprintf("record %d violates field constraints", i), Err: err}
		}
	}
	return records, nil
}

// stripCodeFence removes a Markdown code fence around a JSON document.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
