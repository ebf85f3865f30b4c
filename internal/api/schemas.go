package api

import "github.com/example/yardgen/internal/security"

// The request schemas are compile-time constants, so a schema that fails to
// compile is caught the moment the package loads.
var (
	createGenerationValidator = security.MustJSONSchemaValidator(createGenerationSchema)
	reloadSettingsValidator   = security.MustJSONSchemaValidator(reloadSettingsSchema)
	webhookEventValidator     = security.MustJSONSchemaValidator(webhookEventSchema)
)

const createGenerationSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["areas"],
  "properties": {
    "areas": {
      "type": "array",
      "minItems": 1,
      "maxItems": 10,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["area_id", "style", "source_image_ref"],
        "properties": {
          "area_id": {"type": "string", "minLength": 1, "maxLength": 100},
          "style": {"type": "string", "minLength": 1, "maxLength": 100},
          "source_image_ref": {"type": "string", "minLength": 1, "maxLength": 500},
          "custom_prompt": {"type": "string", "maxLength": 2000}
        }
      }
    }
  }
}`

const reloadSettingsSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["enabled"],
  "properties": {
    "enabled": {"type": "boolean"},
    "threshold": {"type": "integer", "minimum": 1, "maximum": 100},
    "amount": {"type": "integer", "minimum": 10}
  }
}`

const webhookEventSchema = `{
  "type": "object",
  "required": ["id", "type"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1},
    "user_id": {"type": "string"},
    "amount": {"type": "integer"},
    "purpose": {"type": "string"},
    "reason": {"type": "string"}
  }
}`
