package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var openapiDoc []byte

// OpenAPIDocument returns the embedded API description.
func OpenAPIDocument() []byte { return openapiDoc }

type bodyValidator struct {
	doc *openapi3.T
}

func newBodyValidator() (*bodyValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiDoc)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	return &bodyValidator{doc: doc}, nil
}

// validate checks body against the named component schema.
func (v *bodyValidator) validate(schema string, body []byte) error {
	ref, ok := v.doc.Components.Schemas[schema]
	if !ok || ref.Value == nil {
		return fmt.Errorf("unknown schema %q", schema)
	}
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return errors.New("request body is not valid JSON")
	}
	if err := ref.Value.VisitJSON(value); err != nil {
		var se *openapi3.SchemaError
		if errors.As(err, &se) {
			if field := strings.Join(se.JSONPointer(), "."); field != "" {
				return fmt.Errorf("%s: %s", field, se.Reason)
			}
			return errors.New(se.Reason)
		}
		return err
	}
	return nil
}
