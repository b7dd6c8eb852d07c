package tools

import (
	"fmt"
	"strings"
)

// validateEntityID checks the domain.object form the hub uses for entity
// identifiers. Character-level validation is left to the upstream.
func validateEntityID(id string) error {
	if id == "" {
		return fmt.Errorf("entity_id is required")
	}
	domain, object, ok := strings.Cut(id, ".")
	if !ok || domain == "" || object == "" || strings.Contains(object, ".") {
		return fmt.Errorf("entity_id must be in domain.object form, got %q", id)
	}
	return nil
}

type GetEntitiesParams struct {
	Domain *string `json:"domain,omitempty"`
}

func (p *GetEntitiesParams) Validate() error {
	if p.Domain != nil && *p.Domain == "" {
		return fmt.Errorf("domain filter cannot be empty when present")
	}
	return nil
}

type GetEntityParams struct {
	EntityID string `json:"entity_id"`
}

func (p *GetEntityParams) Validate() error {
	return validateEntityID(p.EntityID)
}

type GetHistoryParams struct {
	EntityID string `json:"entity_id"`
	Hours    *int   `json:"hours,omitempty"`
}

func (p *GetHistoryParams) Validate() error {
	if err := validateEntityID(p.EntityID); err != nil {
		return err
	}
	if p.Hours != nil && (*p.Hours < 1 || *p.Hours > 168) {
		return fmt.Errorf("hours must be between 1 and 168")
	}
	return nil
}

type GetServicesParams struct {
	Domain *string `json:"domain,omitempty"`
}

func (p *GetServicesParams) Validate() error {
	if p.Domain != nil && *p.Domain == "" {
		return fmt.Errorf("domain filter cannot be empty when present")
	}
	return nil
}

type CallServiceParams struct {
	Domain   string         `json:"domain"`
	Service  string         `json:"service"`
	EntityID *string        `json:"entity_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

func (p *CallServiceParams) Validate() error {
	if p.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if p.Service == "" {
		return fmt.Errorf("service is required")
	}
	if p.EntityID != nil {
		if err := validateEntityID(*p.EntityID); err != nil {
			return err
		}
	}
	return nil
}

type SetEntityStateParams struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (p *SetEntityStateParams) Validate() error {
	if err := validateEntityID(p.EntityID); err != nil {
		return err
	}
	if p.State == "" {
		return fmt.Errorf("state is required")
	}
	return nil
}
