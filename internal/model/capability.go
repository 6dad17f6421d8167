package model

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Capability is a category of external service need fulfilled interchangeably
// by multiple providers. The set is closed.
type Capability string

const (
	CapabilityEmailValidation   Capability = "email_validation"
	CapabilityCompanyEnrichment Capability = "company_enrichment"
	CapabilityLeadSourcing      Capability = "lead_sourcing"
)

// AllCapabilities returns every known capability in a stable order.
func AllCapabilities() []Capability {
	return []Capability{
		CapabilityEmailValidation,
		CapabilityCompanyEnrichment,
		CapabilityLeadSourcing,
	}
}

// Valid reports whether c is one of the known capabilities.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityEmailValidation, CapabilityCompanyEnrichment, CapabilityLeadSourcing:
		return true
	default:
		return false
	}
}

// ParseCapability converts a string into a Capability.
func ParseCapability(s string) (Capability, error) {
	c := Capability(s)
	if !c.Valid() {
		return "", eris.Errorf("model: unknown capability %q", s)
	}
	return c, nil
}

// Payload is the request body of a capability call. Each concrete payload
// belongs to exactly one capability.
type Payload interface {
	Capability() Capability
}

// Result is the typed response of a capability call.
type Result interface {
	Capability() Capability
}

// EmailValidationRequest asks a provider to validate one address.
type EmailValidationRequest struct {
	Email string `json:"email"`
}

func (EmailValidationRequest) Capability() Capability { return CapabilityEmailValidation }

// EmailValidationResult is a provider's verdict on an address.
type EmailValidationResult struct {
	Email          string  `json:"email"`
	Valid          bool    `json:"valid"`
	Disposable     bool    `json:"disposable"`
	FreeProvider   bool    `json:"free_provider"`
	RoleAccount    bool    `json:"role_account"`
	QualityScore   float64 `json:"quality_score"`
	Suggestion     string  `json:"suggestion,omitempty"`
	ProviderSource string  `json:"provider_source,omitempty"`
}

func (EmailValidationResult) Capability() Capability { return CapabilityEmailValidation }

// CompanyEnrichmentRequest asks for firmographics of a domain.
type CompanyEnrichmentRequest struct {
	Domain string `json:"domain"`
}

func (CompanyEnrichmentRequest) Capability() Capability { return CapabilityCompanyEnrichment }

// CompanyEnrichmentResult holds firmographic data for a domain.
type CompanyEnrichmentResult struct {
	Domain        string            `json:"domain"`
	Name          string            `json:"name,omitempty"`
	Industry      string            `json:"industry,omitempty"`
	EmployeeCount int               `json:"employee_count,omitempty"`
	AnnualRevenue string            `json:"annual_revenue,omitempty"`
	Location      string            `json:"location,omitempty"`
	Description   string            `json:"description,omitempty"`
	Technologies  []string          `json:"technologies,omitempty"`
	SocialProfile map[string]string `json:"social_profiles,omitempty"`
}

func (CompanyEnrichmentResult) Capability() Capability { return CapabilityCompanyEnrichment }

// LeadSourcingRequest asks for a page of new leads matching filters.
type LeadSourcingRequest struct {
	Limit    int               `json:"limit"`
	Industry string            `json:"industry,omitempty"`
	Location string            `json:"location,omitempty"`
	Filters  map[string]string `json:"filters,omitempty"`
}

func (LeadSourcingRequest) Capability() Capability { return CapabilityLeadSourcing }

// Lead is one sourced prospect.
type Lead struct {
	ExternalID  string `json:"external_id"`
	CompanyName string `json:"company_name"`
	ContactName string `json:"contact_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Title       string `json:"title,omitempty"`
	Industry    string `json:"industry,omitempty"`
	CompanySize string `json:"company_size,omitempty"`
	Location    string `json:"location,omitempty"`
}

// LeadSourcingResult is a page of sourced leads.
type LeadSourcingResult struct {
	Leads []Lead `json:"leads"`
}

func (LeadSourcingResult) Capability() Capability { return CapabilityLeadSourcing }

// DecodePayload decodes raw JSON into the payload shape owned by c.
func DecodePayload(c Capability, raw json.RawMessage) (Payload, error) {
	switch c {
	case CapabilityEmailValidation:
		var p EmailValidationRequest
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, eris.Wrap(err, "model: decode email validation payload")
		}
		if p.Email == "" {
			return nil, eris.New("model: email is required")
		}
		return p, nil
	case CapabilityCompanyEnrichment:
		var p CompanyEnrichmentRequest
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, eris.Wrap(err, "model: decode company enrichment payload")
		}
		if p.Domain == "" {
			return nil, eris.New("model: domain is required")
		}
		return p, nil
	case CapabilityLeadSourcing:
		var p LeadSourcingRequest
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, eris.Wrap(err, "model: decode lead sourcing payload")
			}
		}
		if p.Limit <= 0 {
			p.Limit = 10
		}
		return p, nil
	default:
		return nil, eris.Errorf("model: unknown capability %q", c)
	}
}
