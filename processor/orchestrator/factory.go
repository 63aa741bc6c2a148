package orchestrator

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the orchestrator component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "orchestrator",
		Factory:     NewComponent,
		Schema:      orchestratorSchema,
		Type:        "processor",
		Protocol:    "story",
		Domain:      "narrative",
		Description: "Runs one orchestration pass per trigger and publishes pass lifecycle events",
		Version:     "0.1.0",
	})
}
