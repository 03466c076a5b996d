// Package monitor validates HTTP request bodies against JSON schemas.
package monitor

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Names of the embedded request contracts.
const (
	StartCheckout         = "start_checkout"
	SubmitPayment         = "submit_payment"
	ResolveReconciliation = "resolve_reconciliation"
	SaveMethod            = "save_method"
)

// ContractMonitor validates documents against one compiled JSON schema.
type ContractMonitor struct {
	schema *gojsonschema.Schema
}

// NewContractMonitor compiles schema.
func NewContractMonitor(schema []byte) (*ContractMonitor, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("error loading or compiling schema: %w", err)
	}
	return &ContractMonitor{schema: compiled}, nil
}

// Validate validates the given request body.
// It returns true if valid, or false and a list of validation errors if invalid.
func (cm *ContractMonitor) Validate(requestBody []byte) (bool, []string, error) {
	result, err := cm.schema.Validate(gojsonschema.NewBytesLoader(requestBody))
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return false, errs, nil
}

// Contracts holds the monitors for every request body the API accepts.
type Contracts map[string]*ContractMonitor

// LoadContracts compiles the embedded request schemas.
func LoadContracts() (Contracts, error) {
	out := make(Contracts)
	for _, name := range []string{StartCheckout, SubmitPayment, ResolveReconciliation, SaveMethod} {
		raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, err
		}
		cm, err := NewContractMonitor(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = cm
	}
	return out, nil
}

// FormatErrors formats a slice of validation error strings into a single string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}
