package provider

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	id   ID
	caps Capability
}

func (s *stubAdapter) ID() ID { return s.id }

func (s *stubAdapter) CreateIntent(context.Context, IntentRequest) (Intent, error) {
	return Intent{}, nil
}

func (s *stubAdapter) Refund(context.Context, string, int64) (RefundResult, error) {
	return RefundResult{}, nil
}

func (s *stubAdapter) VerifyWebhook([]byte, http.Header) (VerifiedEvent, error) {
	return VerifiedEvent{}, nil
}

func (s *stubAdapter) Capabilities() Capability { return s.caps }

func (s *stubAdapter) SupportsCountry(code string) bool { return s.caps.HasCountry(code) }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(
		&stubAdapter{id: Paystack, caps: Capability{
			Methods:    []string{"card"},
			Currencies: []string{"NGN", "USD"},
			Countries:  []string{"NG", "ZA", "EG", "GH"},
		}},
		&stubAdapter{id: Flutterwave, caps: Capability{
			Methods:    []string{"wallet", "card"},
			Currencies: []string{"NGN", "GHS", "UGX"},
			Countries:  []string{"NG", "GH", "UG"},
		}},
		&stubAdapter{id: Mpesa, caps: Capability{
			Methods:    []string{"mobile_money"},
			Currencies: []string{"KES"},
			Countries:  []string{"KE"},
		}},
	)
	require.NoError(t, err)
	return reg
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(&stubAdapter{id: Paystack}, &stubAdapter{id: Paystack})
	require.Error(t, err)
}

func TestNewRegistryRejectsEmpty(t *testing.T) {
	_, err := NewRegistry()
	require.Error(t, err)
}

func TestRegistryAdapterLookup(t *testing.T) {
	reg := newTestRegistry(t)

	a, err := reg.Adapter(Flutterwave)
	require.NoError(t, err)
	require.Equal(t, Flutterwave, a.ID())

	_, err = reg.Adapter(ID("stripe"))
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestRegistryForCountryUsesDefaults(t *testing.T) {
	reg := newTestRegistry(t)

	a, err := reg.ForCountry("KE")
	require.NoError(t, err)
	require.Equal(t, Mpesa, a.ID())

	a, err = reg.ForCountry("ug")
	require.NoError(t, err)
	require.Equal(t, Flutterwave, a.ID())
}

func TestRegistryForCountryFallsBackToCapabilityScan(t *testing.T) {
	reg := newTestRegistry(t)

	// GH defaults to flutterwave but paystack also serves it; drop the
	// default from the registry and the scan should find paystack.
	reg2, err := NewRegistry(
		&stubAdapter{id: Paystack, caps: Capability{Countries: []string{"GH"}}},
	)
	require.NoError(t, err)

	a, err := reg2.ForCountry("GH")
	require.NoError(t, err)
	require.Equal(t, Paystack, a.ID())

	_, err = reg.ForCountry("FR")
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestRegistryBestHonoursPreferences(t *testing.T) {
	reg := newTestRegistry(t)

	// Country default satisfies the method preference.
	a, err := reg.Best("NG", "card", "")
	require.NoError(t, err)
	require.Equal(t, Paystack, a.ID())

	// Default cannot serve wallets; scan finds flutterwave.
	a, err = reg.Best("NG", "wallet", "")
	require.NoError(t, err)
	require.Equal(t, Flutterwave, a.ID())

	// Currency preference narrows the scan.
	a, err = reg.Best("GH", "", "UGX")
	require.NoError(t, err)
	require.Equal(t, Flutterwave, a.ID())
}

func TestRegistryBestFallsBackToCountryDefault(t *testing.T) {
	reg := newTestRegistry(t)

	// Nobody serves cards in KE; the KE default still wins over no provider.
	a, err := reg.Best("KE", "card", "")
	require.NoError(t, err)
	require.Equal(t, Mpesa, a.ID())

	// A country with no default and no capability match has nothing to
	// fall back to.
	_, err = reg.Best("FR", "card", "")
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestRegistryAvailableMethods(t *testing.T) {
	reg := newTestRegistry(t)

	methods := reg.AvailableMethods("NG")
	require.Len(t, methods, 2)
	require.Equal(t, []string{"card"}, methods[Paystack])
	require.Equal(t, []string{"wallet", "card"}, methods[Flutterwave])

	require.Empty(t, reg.AvailableMethods("FR"))
}

func TestParseID(t *testing.T) {
	id, err := ParseID("mpesa")
	require.NoError(t, err)
	require.Equal(t, Mpesa, id)

	_, err = ParseID("stripe")
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestNewReferenceShape(t *testing.T) {
	ref := NewReference("stays", Paystack)
	require.Regexp(t, `^stays_ps_\d+_[0-9a-f]{12}$`, ref)

	ref2 := NewReference("", Mpesa)
	require.Regexp(t, `^stays_mp_\d+_[0-9a-f]{12}$`, ref2)
	require.NotEqual(t, ref, ref2)
}
