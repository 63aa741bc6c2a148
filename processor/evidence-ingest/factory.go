package evidenceingest

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the evidence ingest component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "evidence-ingest",
		Factory:     NewComponent,
		Schema:      ingestSchema,
		Type:        "processor",
		Protocol:    "story",
		Domain:      "narrative",
		Description: "Deduplicates evidence submissions and emits per-subject orchestration triggers",
		Version:     "0.1.0",
	})
}
