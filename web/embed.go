package webassets

import "embed"

// OpenAPIPath is the embedded API description served at /api-docs/openapi.yaml.
const OpenAPIPath = "openapi.yaml"

// FS contains the embedded API documents.
//
//go:embed openapi.yaml
var FS embed.FS
