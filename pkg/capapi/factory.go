package capapi

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agency-core/internal/catalog"
	"github.com/sells-group/agency-core/internal/model"
	"github.com/sells-group/agency-core/internal/registry"
)

// ErrUnknownKind is returned for a catalog kind with no client.
var ErrUnknownKind = eris.New("capapi: unknown provider kind")

// kindCapability pins each kind to the capability it can serve.
var kindCapability = map[string]model.Capability{
	"abstract_email":   model.CapabilityEmailValidation,
	"hunter":           model.CapabilityEmailValidation,
	"zerobounce":       model.CapabilityEmailValidation,
	"abstract_company": model.CapabilityCompanyEnrichment,
	"clearbit":         model.CapabilityCompanyEnrichment,
	"apideck":          model.CapabilityLeadSourcing,
}

// New builds the client for a catalog provider.
func New(spec catalog.ProviderSpec, opts ...Option) (registry.Client, error) {
	want, ok := kindCapability[spec.Kind]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownKind, "%s (provider %s)", spec.Kind, spec.ID)
	}
	if spec.Capability != want {
		return nil, eris.Errorf("capapi: provider %s: kind %s serves %s, not %s", spec.ID, spec.Kind, want, spec.Capability)
	}

	c := newHTTPClient(spec, opts)
	switch spec.Kind {
	case "abstract_email":
		return &AbstractEmail{c: c}, nil
	case "hunter":
		return &Hunter{c: c}, nil
	case "zerobounce":
		return &ZeroBounce{c: c}, nil
	case "abstract_company":
		return &AbstractCompany{c: c}, nil
	case "clearbit":
		c.auth = authBearer
		return &Clearbit{c: c}, nil
	default:
		c.auth = authBearer
		return &Apideck{c: c}, nil
	}
}

// Attach builds a client for every spec and registers it. Providers whose
// API key is unset are left without a client, which keeps the selector from
// routing to them. It returns the number of clients attached.
func Attach(reg *registry.Registry, specs []catalog.ProviderSpec, opts ...Option) (int, error) {
	attached := 0
	for _, spec := range specs {
		if spec.APIKeyEnv != "" && spec.APIKey() == "" {
			zap.L().Warn("capapi: no api key, provider will not be routed",
				zap.String("provider", spec.ID),
				zap.String("env", spec.APIKeyEnv),
			)
			continue
		}
		client, err := New(spec, opts...)
		if err != nil {
			return attached, err
		}
		if err := reg.SetClient(spec.ID, client); err != nil {
			return attached, eris.Wrapf(err, "capapi: attach %s", spec.ID)
		}
		attached++
	}
	return attached, nil
}
