package storyapi

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the story API component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "story-api",
		Factory:     NewComponent,
		Schema:      storyAPISchema,
		Type:        "processor",
		Protocol:    "story",
		Domain:      "narrative",
		Description: "HTTP endpoints for evidence submission and subject state",
		Version:     "0.1.0",
	})
}
