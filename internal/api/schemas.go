package api

const openReservationSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["account_id", "estimated_units", "unit_cost"],
  "properties": {
    "account_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "reservation_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "estimated_units": {"type": "integer", "minimum": 1},
    "unit_cost": {"type": "integer", "minimum": 1}
  }
}`

const settleSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["actual_units", "unit_cost"],
  "properties": {
    "actual_units": {"type": "integer", "minimum": 0},
    "unit_cost": {"type": "integer", "minimum": 0}
  }
}`

const grantSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["amount"],
  "properties": {
    "grant_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "amount": {"type": "integer", "minimum": 1}
  }
}`
