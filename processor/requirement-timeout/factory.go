package requirementtimeout

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the requirement timeout component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "requirement-timeout",
		Factory:     NewComponent,
		Schema:      timeoutSchema,
		Type:        "processor",
		Protocol:    "story",
		Domain:      "narrative",
		Description: "Defers requirements that exceed their SLA and emits periodic re-evaluation ticks",
		Version:     "0.1.0",
	})
}
