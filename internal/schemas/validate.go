// Package schemas validates structured resolution data against JSON Schema.
package schemas

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

//go:embed resolution_proposal.schema.json
var proposalSchemaJSON string

var (
	proposalSchema     *gojsonschema.Schema
	proposalSchemaErr  error
	proposalSchemaOnce sync.Once
)

// ValidationError represents a schema validation error with field paths
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation error at a specific field
type FieldError struct {
	Field   string
	Message string
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation failed:")
	for i, err := range ve.Errors {
		fmt.Fprintf(&sb, " %d. %s: %s;", i+1, err.Field, err.Message)
	}
	return strings.TrimSuffix(sb.String(), ";")
}

// SchemaLoadError represents errors loading or parsing the schema itself
type SchemaLoadError struct {
	Name  string
	Cause error
}

func (e *SchemaLoadError) Error() string {
	return fmt.Sprintf("failed to load schema %s: %v", e.Name, e.Cause)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Cause
}

// ProposalSchema returns the embedded resolution proposal schema document.
func ProposalSchema() string {
	return proposalSchemaJSON
}

func compiledProposalSchema() (*gojsonschema.Schema, error) {
	proposalSchemaOnce.Do(func() {
		proposalSchema, proposalSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(proposalSchemaJSON))
		if proposalSchemaErr != nil {
			proposalSchemaErr = &SchemaLoadError{Name: "resolution_proposal", Cause: proposalSchemaErr}
		}
	})
	return proposalSchema, proposalSchemaErr
}

// ValidateProposalJSON checks raw JSON (typically model output) against the
// proposal schema. Malformed JSON is reported as a ValidationError on the root.
func ValidateProposalJSON(data string) error {
	schema, err := compiledProposalSchema()
	if err != nil {
		return err
	}
	if !json.Valid([]byte(data)) {
		return &ValidationError{Errors: []FieldError{{Field: "(root)", Message: "invalid JSON"}}}
	}
	result, err := schema.Validate(gojsonschema.NewStringLoader(data))
	if err != nil {
		return fmt.Errorf("failed to validate proposal: %w", err)
	}
	return toValidationError(result)
}

// ValidateProposal checks an already decoded proposal, e.g. a reviewer's
// modified resolution.
func ValidateProposal(p *types.ResolutionProposal) error {
	if p == nil {
		return &ValidationError{Errors: []FieldError{{Field: "(root)", Message: "proposal is required"}}}
	}
	if p.SupportingFactors == nil {
		cp := *p
		cp.SupportingFactors = []string{}
		p = &cp
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal proposal: %w", err)
	}
	return ValidateProposalJSON(string(data))
}

// ValidateJSONString validates JSON string content against schema string content
func ValidateJSONString(schemaContent, jsonContent string) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaContent),
		gojsonschema.NewStringLoader(jsonContent),
	)
	if err != nil {
		return &SchemaLoadError{Name: "(string schema)", Cause: err}
	}
	return toValidationError(result)
}

func toValidationError(result *gojsonschema.Result) error {
	if result.Valid() {
		return nil
	}
	validationErr := &ValidationError{Errors: make([]FieldError, 0, len(result.Errors()))}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		validationErr.Errors = append(validationErr.Errors, FieldError{
			Field:   field,
			Message: desc.Description(),
		})
	}
	return validationErr
}
