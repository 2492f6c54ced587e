package backend

import "github.com/santhosh-tekuri/jsonschema/v5"

var (
	submitSchema = jsonschema.MustCompileString("submit.json", `{
		"type": "object",
		"required": ["job_id"],
		"properties": {
			"job_id": {"type": "string", "minLength": 1}
		}
	}`)

	previewSchema = jsonschema.MustCompileString("preview.json", `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string"}
		}
	}`)

	outputsSchema = jsonschema.MustCompileString("outputs.json", `{
		"type": "object",
		"required": ["outputs"],
		"properties": {
			"outputs": {
				"oneOf": [
					{"type": "array", "items": {"type": "string", "minLength": 1}},
					{"type": "object", "additionalProperties": {"type": "string"}}
				]
			}
		}
	}`)
)
