package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/genmeter/internal/ledger"
)

const testYAML = `
services:
  - type: image
    cost: 4
    models:
      sdxl:
        cost: 6
      Flux-Pro:
        cost: 10
        paid_only: true
        min_tier: pro
  - type: video
    cost: 20
    paid_only: true
tiers:
  free: 10
workers:
  image: ["http://10.0.0.1:9000", "http://10.0.0.2:9000"]
`

func TestDefaultCatalogIsValid(t *testing.T) {
	c := Default()
	assert.Equal(t, []string{"audio", "image", "text", "video"}, c.ServiceTypes())
}

func TestPrice(t *testing.T) {
	c, err := Parse([]byte(testYAML))
	require.NoError(t, err)

	tests := []struct {
		name        string
		serviceType string
		model       string
		want        Price
		wantErr     error
	}{
		{name: "service default", serviceType: "image", want: Price{ServiceType: "image", Cost: 4}},
		{name: "model cost override", serviceType: "image", model: "sdxl", want: Price{ServiceType: "image", Model: "sdxl", Cost: 6}},
		{name: "model case-insensitive", serviceType: "image", model: "flux-pro", want: Price{ServiceType: "image", Model: "Flux-Pro", Cost: 10, PaidOnly: true, MinTier: "pro"}},
		{name: "paid-only service", serviceType: "video", want: Price{ServiceType: "video", Cost: 20, PaidOnly: true}},
		{name: "unknown service", serviceType: "music", wantErr: ErrUnknownService},
		{name: "unknown model", serviceType: "image", model: "dalle", wantErr: ErrUnknownModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Price(tt.serviceType, tt.model)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPriceAllows(t *testing.T) {
	p := Price{MinTier: ledger.TierPro}
	assert.False(t, p.Allows(ledger.TierFree))
	assert.False(t, p.Allows(ledger.TierBasic))
	assert.True(t, p.Allows(ledger.TierPro))
	assert.True(t, p.Allows(ledger.TierEnterprise))
	assert.True(t, Price{}.Allows(ledger.TierFree))
}

func TestEntitlementsMergeOverDefaults(t *testing.T) {
	c, err := Parse([]byte(testYAML))
	require.NoError(t, err)

	e := c.Entitlements()
	assert.Equal(t, int64(10), e[ledger.TierFree])
	assert.Equal(t, ledger.DefaultEntitlements[ledger.TierPro], e[ledger.TierPro])
	assert.Equal(t, int64(50), ledger.DefaultEntitlements[ledger.TierFree], "defaults must not be mutated")
}

func TestSeedWorkersAreCopied(t *testing.T) {
	c, err := Parse([]byte(testYAML))
	require.NoError(t, err)

	seeds := c.SeedWorkers()
	require.Len(t, seeds["image"], 2)
	seeds["image"][0] = "mutated"
	assert.Equal(t, "http://10.0.0.1:9000", c.Workers["image"][0])
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{"no services", "services: []", "at least one service"},
		{"bad type", "services: [{type: 'Image!', cost: 1}]", "invalid type"},
		{"duplicate", "services: [{type: image, cost: 1}, {type: image, cost: 2}]", "duplicate service type"},
		{"negative cost", "services: [{type: image, cost: -1}]", "cost must not be negative"},
		{"bad min tier", "services: [{type: image, cost: 1, min_tier: gold}]", "unknown min_tier"},
		{"bad model tier", "services: [{type: image, cost: 1, models: {x: {min_tier: gold}}}]", "unknown min_tier"},
		{"bad tier", "services: [{type: image, cost: 1}]\ntiers: {platinum: 5}", "unknown tier"},
		{"unknown worker service", "services: [{type: image, cost: 1}]\nworkers: {text: ['http://a']}", "unknown service type"},
		{"bad worker url", "services: [{type: image, cost: 1}]\nworkers: {image: ['ftp://a']}", "invalid address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("IMAGE_WORKER", "http://gpu-1:9000")
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("services: [{type: image, cost: 2}]\nworkers: {image: ['${IMAGE_WORKER}']}\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://gpu-1:9000"}, c.Workers["image"])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestPricesListsModelsAfterService(t *testing.T) {
	c, err := Parse([]byte(testYAML))
	require.NoError(t, err)

	prices := c.Prices()
	require.Len(t, prices, 4)
	assert.Equal(t, Price{ServiceType: "image", Cost: 4}, prices[0])
	assert.Equal(t, Price{ServiceType: "image", Model: "Flux-Pro", Cost: 10, PaidOnly: true, MinTier: "pro"}, prices[1])
	assert.Equal(t, Price{ServiceType: "image", Model: "sdxl", Cost: 6}, prices[2])
	assert.Equal(t, Price{ServiceType: "video", Cost: 20, PaidOnly: true}, prices[3])
}
