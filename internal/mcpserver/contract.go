package mcpserver

// PropertyTypesContract describes the JSON value shapes the update tools
// accept per property type.
const PropertyTypesContract = `# KE-chain Property Value Shapes

Values passed to ` + "`" + `update_properties` + "`" + ` are JSON. Each value MUST match the
shape of the property type, otherwise the whole update is rejected before anything
is sent.

| Type | Shape | Example |
|---|---|---|
| FLOAT_VALUE | number | ` + "`" + `990.5` + "`" + ` |
| INT_VALUE | whole number | ` + "`" + `18` + "`" + ` |
| CHAR_VALUE, TEXT_VALUE, LINK_VALUE | string | ` + "`" + `"Aluminium"` + "`" + ` |
| BOOLEAN_VALUE | true or false | ` + "`" + `true` + "`" + ` |
| DATE_VALUE | "YYYY-MM-DD" | ` + "`" + `"2024-05-06"` + "`" + ` |
| DATETIME_VALUE | RFC 3339 timestamp | ` + "`" + `"2024-05-06T12:30:00Z"` + "`" + ` |
| TIME_VALUE | "HH:MM:SS" | ` + "`" + `"12:30:00"` + "`" + ` |
| SINGLE_SELECT_VALUE | one of the property's choices | ` + "`" + `"L"` + "`" + ` |
| MULTI_SELECT_VALUE | list of choices | ` + "`" + `["red", "blue"]` + "`" + ` |
| REFERENCES_VALUE | list of part ids | ` + "`" + `["0b1f4a55-..."]` + "`" + ` |
| ACTIVITY_REFERENCES_VALUE | list of activity ids | ` + "`" + `["..."]` + "`" + ` |
| SCOPE_REFERENCES_VALUE | list of scope ids | ` + "`" + `["..."]` + "`" + ` |
| USER_REFERENCES_VALUE | list of user ids | ` + "`" + `["1", "7"]` + "`" + ` |
| ATTACHMENT_VALUE | null to clear; use ` + "`" + `upload_attachment` + "`" + ` to set | ` + "`" + `null` + "`" + ` |

## Rules

1. ` + "`" + `null` + "`" + ` clears any value.
2. Properties are addressed by name, ref or id; names are matched on the part itself.
3. Reference values are ids, never names. Look ids up with ` + "`" + `get_part` + "`" + ` first.
4. Values are applied in the order given, in one request when the backend supports it.
5. Validators (ranges, patterns, required) are reported by ` + "`" + `get_property` + "`" + ` as
   ` + "`" + `invalid` + "`" + `. They are advisory; the backend decides.
`
