package costs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPricingServiceDefaults(t *testing.T) {
	svc, err := NewPricingService("")
	require.NoError(t, err)

	p, err := svc.Lookup(context.Background(), "anthropic", "claude-sonnet-4")
	require.NoError(t, err)
	require.Equal(t, 3.0, p.InputPricePerMtok)
	require.Equal(t, 15.0, p.OutputPricePerMtok)
}

func TestPricingServiceUnknownModel(t *testing.T) {
	svc, err := NewPricingService("")
	require.NoError(t, err)

	_, err = svc.Lookup(context.Background(), "acme", "made-up-model")
	require.Error(t, err)
}

func TestPricingServiceOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	yaml := `
- provider: anthropic
  model: claude-sonnet-4
  input_per_mtok: 1
  output_per_mtok: 2
  cache_read_per_mtok: 0.1
  cache_write_per_mtok: 0.2
  currency: USD
- provider: acme
  model: custom-model
  input_per_mtok: 9
  output_per_mtok: 18
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	svc, err := NewPricingService(path)
	require.NoError(t, err)

	overridden, err := svc.Lookup(context.Background(), "anthropic", "claude-sonnet-4")
	require.NoError(t, err)
	require.Equal(t, 1.0, overridden.InputPricePerMtok)

	added, err := svc.Lookup(context.Background(), "acme", "custom-model")
	require.NoError(t, err)
	require.Equal(t, 9.0, added.InputPricePerMtok)
}

func TestPricingServiceMissingOverlayFileReturnsErrorButUsableService(t *testing.T) {
	svc, err := NewPricingService("/nonexistent/path/pricing.yaml")
	require.Error(t, err)
	require.NotNil(t, svc)

	// The built-in table is still usable despite the overlay error.
	p, lookupErr := svc.Lookup(context.Background(), "openai", "gpt-4o")
	require.NoError(t, lookupErr)
	require.Equal(t, 2.5, p.InputPricePerMtok)
}
