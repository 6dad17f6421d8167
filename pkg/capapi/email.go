package capapi

import (
	"context"
	"net/url"
	"strings"

	"github.com/sells-group/agency-core/internal/model"
)

// AbstractEmail validates addresses against Abstract's email validation API.
type AbstractEmail struct{ c *httpClient }

type abstractEmailResponse struct {
	Email           string    `json:"email"`
	Autocorrect     string    `json:"autocorrect"`
	Deliverability  string    `json:"deliverability"`
	QualityScore    flexFloat `json:"quality_score"`
	IsValidFormat   boolValue `json:"is_valid_format"`
	IsFreeEmail     boolValue `json:"is_free_email"`
	IsDisposable    boolValue `json:"is_disposable_email"`
	IsRoleEmail     boolValue `json:"is_role_email"`
	IsSMTPValid     boolValue `json:"is_smtp_valid"`
	IsMXFound       boolValue `json:"is_mx_found"`
	IsCatchallEmail boolValue `json:"is_catchall_email"`
}

func (a *AbstractEmail) Call(ctx context.Context, p model.Payload) (model.Result, error) {
	req, ok := p.(model.EmailValidationRequest)
	if !ok {
		return nil, wrongPayload(a.c.provider, model.CapabilityEmailValidation, p)
	}
	var resp abstractEmailResponse
	if err := a.c.getJSON(ctx, url.Values{"email": {req.Email}}, &resp); err != nil {
		return nil, err
	}
	return model.EmailValidationResult{
		Email:          firstNonEmpty(resp.Email, req.Email),
		Valid:          resp.IsValidFormat.Value && strings.EqualFold(resp.Deliverability, "DELIVERABLE"),
		Disposable:     resp.IsDisposable.Value,
		FreeProvider:   resp.IsFreeEmail.Value,
		RoleAccount:    resp.IsRoleEmail.Value,
		QualityScore:   float64(resp.QualityScore),
		Suggestion:     resp.Autocorrect,
		ProviderSource: a.c.provider,
	}, nil
}

// Hunter verifies addresses with Hunter's email-verifier endpoint.
type Hunter struct{ c *httpClient }

type hunterResponse struct {
	Data struct {
		Email      string `json:"email"`
		Status     string `json:"status"`
		Result     string `json:"result"`
		Score      int    `json:"score"`
		Disposable bool   `json:"disposable"`
		Webmail    bool   `json:"webmail"`
		Gibberish  bool   `json:"gibberish"`
	} `json:"data"`
}

func (h *Hunter) Call(ctx context.Context, p model.Payload) (model.Result, error) {
	req, ok := p.(model.EmailValidationRequest)
	if !ok {
		return nil, wrongPayload(h.c.provider, model.CapabilityEmailValidation, p)
	}
	var resp hunterResponse
	if err := h.c.getJSON(ctx, url.Values{"email": {req.Email}}, &resp); err != nil {
		return nil, err
	}
	d := resp.Data
	return model.EmailValidationResult{
		Email:          firstNonEmpty(d.Email, req.Email),
		Valid:          d.Status == "valid" || d.Result == "deliverable",
		Disposable:     d.Disposable,
		FreeProvider:   d.Webmail,
		QualityScore:   float64(d.Score) / 100,
		ProviderSource: h.c.provider,
	}, nil
}

// ZeroBounce validates addresses with ZeroBounce's v2 validate endpoint.
type ZeroBounce struct{ c *httpClient }

type zeroBounceResponse struct {
	Address    string `json:"address"`
	Status     string `json:"status"`
	SubStatus  string `json:"sub_status"`
	FreeEmail  bool   `json:"free_email"`
	DidYouMean string `json:"did_you_mean"`
}

// zeroBounceScores maps status onto a 0..1 quality score.
var zeroBounceScores = map[string]float64{
	"valid":       0.95,
	"catch-all":   0.6,
	"unknown":     0.4,
	"do_not_mail": 0.2,
}

func (z *ZeroBounce) Call(ctx context.Context, p model.Payload) (model.Result, error) {
	req, ok := p.(model.EmailValidationRequest)
	if !ok {
		return nil, wrongPayload(z.c.provider, model.CapabilityEmailValidation, p)
	}
	var resp zeroBounceResponse
	if err := z.c.getJSON(ctx, url.Values{"email": {req.Email}, "ip_address": {""}}, &resp); err != nil {
		return nil, err
	}
	return model.EmailValidationResult{
		Email:          firstNonEmpty(resp.Address, req.Email),
		Valid:          resp.Status == "valid",
		Disposable:     resp.SubStatus == "disposable",
		FreeProvider:   resp.FreeEmail,
		RoleAccount:    resp.SubStatus == "role_based",
		QualityScore:   zeroBounceScores[resp.Status],
		Suggestion:     resp.DidYouMean,
		ProviderSource: z.c.provider,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
