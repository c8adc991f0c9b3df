package provider

import (
	"fmt"
	"strings"
)

// countryDefaults routes a customer's country to its preferred provider.
// Countries absent from the map fall through to capability scanning.
var countryDefaults = map[string]ID{
	"NG": Paystack,
	"ZA": Paystack,
	"EG": Paystack,
	"GH": Flutterwave,
	"UG": Flutterwave,
	"TZ": Flutterwave,
	"RW": Flutterwave,
	"KE": Mpesa,
}

// Registry is the single lookup point for provider adapters. It is built once
// at startup with every adapter injected through the constructor; nothing
// registers itself at init time, so the wiring is visible in one place.
type Registry struct {
	adapters map[ID]Adapter
	order    []ID
}

// NewRegistry builds a registry from the given adapters. Registration order
// is preserved and used as the tiebreak when several providers can serve the
// same request. Duplicate or nil adapters are a wiring bug and rejected.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[ID]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			return nil, fmt.Errorf("registry: nil adapter")
		}
		id := a.ID()
		if _, dup := r.adapters[id]; dup {
			return nil, fmt.Errorf("registry: duplicate adapter %q", id)
		}
		r.adapters[id] = a
		r.order = append(r.order, id)
	}
	if len(r.order) == 0 {
		return nil, fmt.Errorf("registry: no adapters")
	}
	return r, nil
}

// Adapter returns the adapter for an explicit provider choice.
func (r *Registry) Adapter(id ID) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, id)
	}
	return a, nil
}

// ForCountry returns the default provider for a country, falling back to the
// first registered adapter that operates there.
func (r *Registry) ForCountry(code string) (Adapter, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if id, ok := countryDefaults[code]; ok {
		if a, ok := r.adapters[id]; ok {
			return a, nil
		}
	}
	for _, id := range r.order {
		if a := r.adapters[id]; a.SupportsCountry(code) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: no provider serves country %q", ErrUnsupported, code)
}

// Best picks a provider for a country and optional method/currency
// preferences. The country default wins when it satisfies the preferences;
// otherwise providers are scanned in registration order. When nothing matches
// the preferences, the country default is still returned so an unusual
// preference degrades to the regional rail instead of blocking payment. Empty
// preference fields match anything.
func (r *Registry) Best(country, method, currency string) (Adapter, error) {
	country = strings.ToUpper(strings.TrimSpace(country))
	var fallback Adapter
	if id, ok := countryDefaults[country]; ok {
		if a, ok := r.adapters[id]; ok {
			if matches(a, country, method, currency) {
				return a, nil
			}
			fallback = a
		}
	}
	for _, id := range r.order {
		if a := r.adapters[id]; matches(a, country, method, currency) {
			return a, nil
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("%w: no provider for country=%q method=%q currency=%q",
		ErrUnsupported, country, method, currency)
}

// AvailableMethods reports the union of payment methods usable from a
// country, keyed by provider.
func (r *Registry) AvailableMethods(country string) map[ID][]string {
	country = strings.ToUpper(strings.TrimSpace(country))
	out := make(map[ID][]string)
	for _, id := range r.order {
		a := r.adapters[id]
		if a.SupportsCountry(country) {
			out[id] = a.Capabilities().Methods
		}
	}
	return out
}

// IDs returns the registered provider identifiers in registration order.
func (r *Registry) IDs() []ID {
	out := make([]ID, len(r.order))
	copy(out, r.order)
	return out
}

func matches(a Adapter, country, method, currency string) bool {
	if country != "" && !a.SupportsCountry(country) {
		return false
	}
	caps := a.Capabilities()
	if method != "" && !caps.HasMethod(method) {
		return false
	}
	if currency != "" && !caps.HasCurrency(strings.ToUpper(currency)) {
		return false
	}
	return true
}
