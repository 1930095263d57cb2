package extract

import (
	"fmt"
	"strings"
)

var triageSystemPrompts = map[Category]string{
	CategoryHost: `You are a cybersecurity analyst triage expert. Your task is to determine if the provided incident description contains any potential **host-based** Indicators of Compromise (IOCs).

Respond with a single word:
- 'continue' if host-based IOCs (files, processes, registry keys, etc.) are likely present.
- 'skip' if the description contains ONLY network IOCs (IPs, domains) or no IOCs at all.

Do not provide any explanation or other text.`,

	CategoryNetwork: `You are a cybersecurity analyst triage expert. Your task is to determine if the provided incident description contains any potential **network-based** Indicators of Compromise (IOCs).

Respond with a single word:
- 'continue' if network-based IOCs (IPs, domains, URLs, etc.) are likely present.
- 'skip' if the description contains ONLY host-based IOCs or no IOCs at all.

Do not provide any explanation or other text.`,
}

var scopeRules = map[Category]string{
	CategoryHost: `You are a cybersecurity analyst. Extract ONLY **host-based** IOCs from the incident narrative and produce a JSON object with a list of items conforming to the schema.

HOST_IOC_SCOPE (allowed):
- Files, processes, services, drivers, DLLs, local executables
- Registry keys/values
- Local file paths
- Scheduled tasks
- Local user/host artifacts (NOT network identifiers)

OUT OF SCOPE (exclude completely):
- Any IP addresses (v4/v6), domains, FQDNs, URLs, URIs, ports, beacons
- Pure network telemetry (flows, DNS-only data)
- High-level events without a host artifact

REQUIREMENTS:
- indicator_type must be one of: 'file','process','registry','service','driver','scheduled_task'.
- submitted_by, source and status must be short, human labels (e.g. 'analyst1','Sysmon','Confirmed').
- size_bytes must be an integer or null.
- If hashes are absent, use null for those fields.
- indicator_id must be unique within the output (e.g. 'H-001'); it is reassigned after extraction.
- full_path can be null if it is not available.
- Truncate notes to <= 800 characters.`,

	CategoryNetwork: `You are a cybersecurity analyst. Extract ONLY **network-based** IOCs from the incident narrative and produce a JSON object with a list of items conforming to the schema.

NETWORK_IOC_SCOPE (allowed):
- IP addresses (v4/v6), domains, FQDNs, URLs/URIs
- Ports if strongly bound to the indicator/lead
- JA3/JA3S fingerprints if explicitly present
- C2 / beaconing endpoints from proxy/firewall/EDR logs

OUT OF SCOPE (exclude completely):
- File names/paths, processes, registry, scheduled tasks, host-side artifacts
- Generic events without a network indicator

REQUIREMENTS:
- indicator_type must be one of: 'ip','domain','fqdn','url','uri','ja3','ja3s'.
- Normalize domains to lowercase; preserve URLs as seen.
- submitted_by, source and status should be concise labels.
- earliest_evidence_utc must be ISO-8601 with Z if present; else null.
- indicator_id must be unique within the output (e.g. 'N-001'); it is reassigned after extraction.
- Keep attack_alignment concise (MITRE style) if clearly implied; else null.
- Truncate notes to <= 800 characters.`,

	CategoryTimeline: `You are a cybersecurity analyst. Extract **timeline events** (not raw IOCs) from the incident narrative and produce a JSON object with a list of items conforming to the schema.

TIMELINE_SCOPE (include):
- Discrete activities with timestamps or clear temporal ordering
- Actor/tool behaviors (e.g. 'psexec launched', 'credential dump'), hostnames, and sources
- Evidence sources (e.g. 'Sysmon', 'MFT', 'Firewall')

OUT OF SCOPE:
- Pure indicators without an event context
- Free-floating IOCs with no time semantics

REQUIREMENTS:
- timestamp_utc must be the time the event occurred (or best specific time), ISO-8601 with Z.
- timestamp_type from {'Creation Time','Execution Time','Event Time','Discovery Time'}.
- status_tag from {'Confirmed','Suspicious','Benign'}.
- system_name must NOT be null. If a hostname/asset label is present, use it; otherwise use the literal 'Unknown'.
- attack_alignment concise MITRE tactic if clear; else null.
- size_bytes integer or null; hash string or null.
- Truncate details_comments/notes to <= 1000 characters.`,
}

const evaluatorSystemPrompt = `You are a senior cybersecurity analyst responsible for quality control.
Review the following JSON objects representing %s data extracted from an incident description.

Incident description:
%s

Your task is to:
1. Check for correctness, completeness against the incident description, and adherence to the required format.
2. Identify any obvious errors, omissions, internal inconsistencies or areas for improvement.
3. Provide concise feedback.

If the data is good quality and needs no changes, respond with the single word "perfect".
If the description contains no %s data at all, respond with the single word "no_iocs".
Otherwise, provide brief, actionable feedback on what to improve.
Do not try to fix the data yourself. Just provide feedback.`

// buildExtractionSystemPrompt combines the category scope rules, the output
// schema and, on retries, the evaluator feedback from the previous attempt.
func buildExtractionSystemPrompt(c Category, feedback string) string {
	var b strings.Builder
	b.WriteString(scopeRules[c])
	b.WriteString("\n\nReturn a JSON object matching this schema:\n")
	if s := SchemaFor(c); s != nil {
		b.Write(s.Document)
	}
	if feedback != "" {
		b.WriteString("\n\nYour previous attempt was not perfect. Please improve it based on this feedback: ")
		b.WriteString(feedback)
	}
	return b.String()
}

func buildEvaluatorSystemPrompt(c Category, narrative string) string {
	return fmt.Sprintf(evaluatorSystemPrompt, c, narrative, c)
}

// feedbackFromError turns a failed generation attempt into guidance for the next one.
func feedbackFromError(err error) string {
	return fmt.Sprintf("Encountered error: %v. Please ensure valid JSON output matching the schema.", err)
}
