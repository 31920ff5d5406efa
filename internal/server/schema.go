package server

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// facilitatorRequestSchema validates the /verify and /settle envelope
// before any of it is interpreted. Version- and mode-specific rules live
// in the dispatcher; this only pins the shape.
const facilitatorRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["paymentPayload"],
  "properties": {
    "x402Version": { "type": "integer", "minimum": 1 },
    "paymentPayload": {
      "type": "object",
      "required": ["payload"],
      "properties": {
        "x402Version": { "type": "integer", "minimum": 1 },
        "scheme": { "type": "string" },
        "network": { "type": "string" },
        "payer": { "type": "string" },
        "payload": {
          "type": "object",
          "required": ["signature", "authorization"],
          "properties": {
            "signature": { "type": "string", "pattern": "^0x[0-9a-fA-F]+$" },
            "authorization": {
              "type": "object",
              "required": ["from", "to", "value", "validAfter", "validBefore", "nonce"],
              "properties": {
                "from": { "type": "string" },
                "to": { "type": "string" },
                "value": { "type": "string", "pattern": "^[0-9]+$" },
                "validAfter": { "type": "string", "pattern": "^[0-9]+$" },
                "validBefore": { "type": "string", "pattern": "^[0-9]+$" },
                "nonce": { "type": "string", "pattern": "^0x[0-9a-fA-F]{64}$" }
              }
            }
          }
        }
      }
    },
    "paymentRequirements": {
      "type": "object",
      "required": ["scheme", "network", "asset", "payTo"],
      "properties": {
        "scheme": { "type": "string" },
        "network": { "type": "string" },
        "asset": { "type": "string" },
        "maxAmountRequired": { "type": "string" },
        "payTo": { "type": "string" },
        "extra": { "type": "object" }
      }
    }
  }
}`

var requestSchema = gojsonschema.NewStringLoader(facilitatorRequestSchema)

// validateRequestBody checks the raw body against the envelope schema and
// returns a single aggregated message on failure.
func validateRequestBody(body []byte) error {
	result, err := gojsonschema.Validate(requestSchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
