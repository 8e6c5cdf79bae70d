package config

import "testing"

func TestLocalTestingRequiresFluxOverride(t *testing.T) {
	c := &Config{}
	if c.LocalTesting() {
		t.Error("LocalTesting() = true with no override set")
	}
	c.FluxAPIOverride = "  "
	if c.LocalTesting() {
		t.Error("LocalTesting() = true with whitespace-only override")
	}
	c.FluxAPIOverride = "http://flux.local/api"
	if !c.LocalTesting() {
		t.Error("LocalTesting() = false with override set")
	}
}

func TestRegistryBaseURLPrefersOverride(t *testing.T) {
	c := &Config{FluxAPIOverride: "http://flux.local/api"}
	if got := c.RegistryBaseURL(); got != "http://flux.local/api" {
		t.Errorf("RegistryBaseURL = %s, want override", got)
	}

	c = &Config{}
	if got := c.RegistryBaseURL(); got != defaultRegistryBase {
		t.Errorf("RegistryBaseURL = %s, want %s", got, defaultRegistryBase)
	}
}

func TestHasRootCredentials(t *testing.T) {
	c := &Config{}
	if c.HasRootCredentials() {
		t.Error("HasRootCredentials() = true with nothing set")
	}
	c.RootUsername = "admin"
	if c.HasRootCredentials() {
		t.Error("HasRootCredentials() = true with only username set")
	}
	c.RootPassword = "secret"
	if !c.HasRootCredentials() {
		t.Error("HasRootCredentials() = false with both set")
	}
}
