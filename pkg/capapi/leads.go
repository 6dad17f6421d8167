package capapi

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/agency-core/internal/model"
)

// defaultLeadLimit applies when a request leaves Limit unset.
const defaultLeadLimit = 20

// Apideck sources leads from Apideck's unified CRM leads endpoint.
type Apideck struct{ c *httpClient }

type apideckResponse struct {
	Data []apideckLead `json:"data"`
}

type apideckLead struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CompanyName string `json:"company_name"`
	Title       string `json:"title"`
	Emails      []struct {
		Email string `json:"email"`
	} `json:"emails"`
	PhoneNumbers []struct {
		Number string `json:"number"`
	} `json:"phone_numbers"`
	Addresses []struct {
		City    string `json:"city"`
		Country string `json:"country"`
	} `json:"addresses"`
	CustomFields []struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	} `json:"custom_fields"`
}

func (a *Apideck) Call(ctx context.Context, p model.Payload) (model.Result, error) {
	req, ok := p.(model.LeadSourcingRequest)
	if !ok {
		return nil, wrongPayload(a.c.provider, model.CapabilityLeadSourcing, p)
	}
	var resp apideckResponse
	if err := a.c.getJSON(ctx, leadParams(req), &resp); err != nil {
		return nil, err
	}

	out := model.LeadSourcingResult{Leads: make([]model.Lead, 0, len(resp.Data))}
	for _, l := range resp.Data {
		lead := model.Lead{
			ExternalID:  l.ID,
			CompanyName: l.CompanyName,
			ContactName: l.Name,
			Title:       l.Title,
			Industry:    req.Industry,
		}
		if len(l.Emails) > 0 {
			lead.Email = l.Emails[0].Email
		}
		if len(l.PhoneNumbers) > 0 {
			lead.Phone = l.PhoneNumbers[0].Number
		}
		if len(l.Addresses) > 0 {
			lead.Location = joinNonEmpty(", ", l.Addresses[0].City, l.Addresses[0].Country)
		}
		for _, f := range l.CustomFields {
			if s, ok := f.Value.(string); ok && strings.EqualFold(f.Name, "company_size") {
				lead.CompanySize = s
			}
		}
		out.Leads = append(out.Leads, lead)
	}
	return out, nil
}

// leadParams renders a request as limit plus filter[key]=value pairs.
func leadParams(req model.LeadSourcingRequest) url.Values {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLeadLimit
	}
	params := url.Values{"limit": {strconv.Itoa(limit)}}
	if req.Industry != "" {
		params.Set("filter[industry]", req.Industry)
	}
	if req.Location != "" {
		params.Set("filter[location]", req.Location)
	}
	keys := make([]string, 0, len(req.Filters))
	for k := range req.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		params.Set("filter["+k+"]", req.Filters[k])
	}
	return params
}
