package workflow

// Built-in JSON Schemas for schema version 1.x content.

const earlyWarningSchemaV1 = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["summary", "product_name", "suspected_malicious", "cross_border_impact"],
  "properties": {
    "summary": {"type": "string", "minLength": 1, "maxLength": 4000},
    "product_name": {"type": "string", "minLength": 1},
    "suspected_malicious": {"type": "boolean"},
    "cross_border_impact": {"type": "boolean"},
    "affected_member_states": {
      "type": "array",
      "items": {"type": "string", "pattern": "^[A-Z]{2}$"},
      "uniqueItems": true
    },
    "event_started_at": {"type": "string", "format": "date-time"}
  }
}`

const notificationSchemaV1 = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["summary", "severity", "impact_description", "affected_products", "mitigation_available"],
  "properties": {
    "summary": {"type": "string", "minLength": 1, "maxLength": 8000},
    "severity": {"enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
    "impact_description": {"type": "string", "minLength": 1},
    "affected_products": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
    "indicators_of_compromise": {"type": "array", "items": {"type": "string"}},
    "mitigation_available": {"type": "boolean"},
    "mitigation_description": {"type": "string"},
    "event_started_at": {"type": "string", "format": "date-time"}
  }
}`

const finalReportSchemaV1 = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["summary", "severity", "impact_description"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "severity": {"enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
    "impact_description": {"type": "string", "minLength": 1},
    "root_cause": {"type": "string"},
    "corrective_measures": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "cve_identifiers": {
      "type": "array",
      "items": {"type": "string", "pattern": "^CVE-[0-9]{4}-[0-9]{4,}$"}
    },
    "patch_available_at": {"type": "string", "format": "date-time"},
    "resolved_at": {"type": "string", "format": "date-time"}
  }
}`

// Business rules for 1.x content. Each expression must evaluate to true.
// Variables: content (the decoded JSON object), incident (the owning case),
// now (the authority clock).
var (
	earlyWarningRulesV1 = []Rule{
		{
			ID:         "cross_border_states",
			Expression: `!content.cross_border_impact || (has(content.affected_member_states) && size(content.affected_member_states) > 0)`,
			Message:    "cross-border impact requires at least one affected member state",
		},
		{
			ID:         "started_before_detection",
			Expression: `!has(content.event_started_at) || timestamp(content.event_started_at) <= incident.detected_at`,
			Message:    "event_started_at must not be after the case detection time",
		},
	}

	notificationRulesV1 = []Rule{
		{
			ID:         "mitigation_described",
			Expression: `!content.mitigation_available || (has(content.mitigation_description) && size(content.mitigation_description) > 0)`,
			Message:    "mitigation_description is required when a mitigation is available",
		},
		{
			ID:         "started_before_detection",
			Expression: `!has(content.event_started_at) || timestamp(content.event_started_at) <= incident.detected_at`,
			Message:    "event_started_at must not be after the case detection time",
		},
	}

	finalReportRulesV1 = []Rule{
		{
			ID:         "resolved_after_detection",
			Expression: `!has(content.resolved_at) || timestamp(content.resolved_at) >= incident.detected_at`,
			Message:    "resolved_at must not precede the case detection time",
		},
		{
			ID:         "resolved_not_future",
			Expression: `!has(content.resolved_at) || timestamp(content.resolved_at) <= now`,
			Message:    "resolved_at must not be in the future",
		},
		{
			ID:         "patch_not_future",
			Expression: `!has(content.patch_available_at) || timestamp(content.patch_available_at) <= now`,
			Message:    "patch_available_at must not be in the future",
		},
		{
			ID:         "vulnerability_corrective_measures",
			Expression: `incident.event_type != 'EXPLOITED_VULNERABILITY' || (has(content.corrective_measures) && size(content.corrective_measures) > 0)`,
			Message:    "a final report on an exploited vulnerability must list corrective measures",
		},
		{
			ID:         "incident_root_cause",
			Expression: `incident.event_type != 'SEVERE_INCIDENT' || (has(content.root_cause) && size(content.root_cause) > 0)`,
			Message:    "a final report on a severe incident must state the root cause",
		},
	}
)
