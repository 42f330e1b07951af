//go:build tools

// Package tools pins oapi-codegen, which consumers use to generate typed
// clients from internal/infra/api/openapi.yaml.
package tools

import (
	_ "github.com/oapi-codegen/oapi-codegen/v2/cmd/oapi-codegen"
)
