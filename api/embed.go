// Package api embeds the OpenAPI specification for serving at runtime.
package api

import _ "embed"

// OpenAPISpec is the raw OpenAPI 3.1 JSON specification served at
// /api/v1/openapi.json and rendered by /api/v1/docs.
//
//go:embed openapi.json
var OpenAPISpec []byte
