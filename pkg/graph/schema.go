package graph

const templateSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schema", "nodes"],
  "properties": {
    "schema": {"type": "string", "enum": ["nodeflow.template/v1"]},
    "id": {"type": "string"},
    "title": {"type": "string"},
    "nodes": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/node"}},
    "edges": {"type": "array", "items": {"$ref": "#/definitions/edge"}},
    "options": {
      "type": "object",
      "properties": {
        "concurrency": {
          "type": "object",
          "properties": {
            "remote": {"type": "integer", "minimum": 1},
            "local": {"type": "integer", "minimum": 1}
          }
        },
        "errorPolicy": {"type": "string", "enum": ["fail-fast", "isolate-node"]}
      }
    }
  },
  "definitions": {
    "port": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "type": {"type": "string", "minLength": 1},
        "optional": {"type": "boolean"}
      }
    },
    "portRef": {
      "oneOf": [
        {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 2, "maxItems": 2},
        {"type": "string", "pattern": "^[^:]+:.+$"}
      ]
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": {"$ref": "#/definitions/portRef"},
        "to": {"$ref": "#/definitions/portRef"}
      }
    },
    "await": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"type": "string", "enum": ["asset", "choice", "params"]},
        "blocking": {"type": "boolean"},
        "urgency": {"type": "string", "enum": ["low", "normal", "high"]},
        "expiresIn": {"type": ["string", "number"]},
        "resumePolicy": {"type": "string", "enum": ["cancel", "autoDefault", "skip"]},
        "notificationHint": {"type": "string"},
        "outputPort": {"type": "string"},
        "choices": {"type": "array", "items": {"type": "string"}},
        "paramsSchema": {"type": "object"}
      }
    },
    "node": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "kind": {"type": "string", "minLength": 1},
        "params": {"type": "object"},
        "inputs": {"type": "array", "items": {"$ref": "#/definitions/port"}},
        "outputs": {"type": "array", "items": {"$ref": "#/definitions/port"}},
        "resources": {
          "type": "object",
          "properties": {"class": {"type": "string", "enum": ["remote", "local"]}}
        },
        "await": {"$ref": "#/definitions/await"}
      }
    }
  }
}`
