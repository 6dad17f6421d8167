package capapi

import (
	"context"
	"net/url"
	"strings"

	"github.com/sells-group/agency-core/internal/model"
)

// AbstractCompany enriches domains with Abstract's company enrichment API.
type AbstractCompany struct{ c *httpClient }

type abstractCompanyResponse struct {
	Name           string `json:"name"`
	Domain         string `json:"domain"`
	YearFounded    int    `json:"year_founded"`
	Industry       string `json:"industry"`
	EmployeesCount int    `json:"employees_count"`
	Locality       string `json:"locality"`
	Country        string `json:"country"`
	LinkedinURL    string `json:"linkedin_url"`
}

func (a *AbstractCompany) Call(ctx context.Context, p model.Payload) (model.Result, error) {
	req, ok := p.(model.CompanyEnrichmentRequest)
	if !ok {
		return nil, wrongPayload(a.c.provider, model.CapabilityCompanyEnrichment, p)
	}
	var resp abstractCompanyResponse
	if err := a.c.getJSON(ctx, url.Values{"domain": {req.Domain}}, &resp); err != nil {
		return nil, err
	}
	out := model.CompanyEnrichmentResult{
		Domain:        firstNonEmpty(resp.Domain, req.Domain),
		Name:          resp.Name,
		Industry:      resp.Industry,
		EmployeeCount: resp.EmployeesCount,
		Location:      joinNonEmpty(", ", resp.Locality, resp.Country),
	}
	if resp.LinkedinURL != "" {
		out.SocialProfile = map[string]string{"linkedin": resp.LinkedinURL}
	}
	return out, nil
}

// Clearbit enriches domains with Clearbit's company find endpoint. It
// authenticates with a bearer token.
type Clearbit struct{ c *httpClient }

type clearbitResponse struct {
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	Description string `json:"description"`
	Category    struct {
		Industry string `json:"industry"`
	} `json:"category"`
	Metrics struct {
		Employees              int    `json:"employees"`
		EstimatedAnnualRevenue string `json:"estimatedAnnualRevenue"`
	} `json:"metrics"`
	Geo struct {
		City    string `json:"city"`
		State   string `json:"state"`
		Country string `json:"country"`
	} `json:"geo"`
	Tech     []string `json:"tech"`
	Linkedin struct {
		Handle string `json:"handle"`
	} `json:"linkedin"`
	Twitter struct {
		Handle string `json:"handle"`
	} `json:"twitter"`
}

func (cb *Clearbit) Call(ctx context.Context, p model.Payload) (model.Result, error) {
	req, ok := p.(model.CompanyEnrichmentRequest)
	if !ok {
		return nil, wrongPayload(cb.c.provider, model.CapabilityCompanyEnrichment, p)
	}
	var resp clearbitResponse
	if err := cb.c.getJSON(ctx, url.Values{"domain": {req.Domain}}, &resp); err != nil {
		return nil, err
	}
	out := model.CompanyEnrichmentResult{
		Domain:        firstNonEmpty(resp.Domain, req.Domain),
		Name:          resp.Name,
		Industry:      resp.Category.Industry,
		EmployeeCount: resp.Metrics.Employees,
		AnnualRevenue: resp.Metrics.EstimatedAnnualRevenue,
		Location:      joinNonEmpty(", ", resp.Geo.City, resp.Geo.State, resp.Geo.Country),
		Description:   resp.Description,
		Technologies:  resp.Tech,
	}
	social := map[string]string{}
	if resp.Linkedin.Handle != "" {
		social["linkedin"] = resp.Linkedin.Handle
	}
	if resp.Twitter.Handle != "" {
		social["twitter"] = resp.Twitter.Handle
	}
	if len(social) > 0 {
		out.SocialProfile = social
	}
	return out, nil
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
