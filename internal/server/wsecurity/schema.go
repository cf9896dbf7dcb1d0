package wsecurity

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sysmanage/sysmanage-server/internal/server/faults"
)

// payloadSchemas pins the shape of payloads the server mutates state from.
// Message types without a schema pass through; their handlers tolerate
// missing fields individually.
var payloadSchemas = map[string]string{
	"auth": `{
		"type": "object",
		"required": ["connection_token"],
		"properties": {
			"connection_token": {"type": "string", "minLength": 1},
			"host_token": {"type": "string"},
			"certificate_serial": {"type": "string"}
		}
	}`,
	"heartbeat": `{
		"type": "object"
	}`,
	"command_result": `{
		"type": "object",
		"required": ["success"],
		"properties": {
			"success": {"type": "boolean"},
			"output": {"type": "string"},
			"error": {"type": "string"}
		}
	}`,
	"script_execution_result": `{
		"type": "object",
		"required": ["success"],
		"properties": {
			"success": {"type": "boolean"},
			"execution_id": {"type": "string"},
			"stdout": {"type": "string"},
			"stderr": {"type": "string"}
		}
	}`,
	"child_hosts_list_update": `{
		"type": "object",
		"required": ["children"],
		"properties": {
			"children": {
				"type": "array",
				"items": {"type": "object"}
			}
		}
	}`,
	"child_host_created": `{
		"type": "object",
		"required": ["success"],
		"properties": {
			"success": {"type": "boolean"},
			"child_name": {"type": "string"},
			"child_type": {"type": "string"}
		}
	}`,
	"child_host_delete_result": `{
		"type": "object",
		"required": ["success"],
		"properties": {
			"success": {"type": "boolean"},
			"expected_guid": {"type": "string"},
			"current_guid": {"type": "string"}
		}
	}`,
	"reboot_status_update": `{
		"type": "object",
		"required": ["reboot_required"],
		"properties": {
			"reboot_required": {"type": "boolean"},
			"reason": {"type": "string"}
		}
	}`,
}

var compiledSchemas = func() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(payloadSchemas))
	for messageType, doc := range payloadSchemas {
		s, err := jsonschema.CompileString(messageType+".json", doc)
		if err != nil {
			panic(fmt.Sprintf("wsecurity: bad schema for %s: %v", messageType, err))
		}
		out[messageType] = s
	}
	return out
}()

// ValidatePayload checks the envelope data against the schema registered for
// its message type. Types without a registered schema are accepted.
func ValidatePayload(messageType string, data map[string]any) error {
	s, ok := compiledSchemas[messageType]
	if !ok {
		return nil
	}
	doc := any(data)
	if data == nil {
		doc = map[string]any{}
	}
	if err := s.Validate(doc); err != nil {
		return faults.Wrap(faults.InvalidInput, "payload does not match schema for "+messageType, err)
	}
	return nil
}
