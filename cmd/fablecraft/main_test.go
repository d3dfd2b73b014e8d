package main

import (
	"testing"

	"github.com/fablecraft/fablecraft/internal/config"
)

func TestBuildRootCmd(t *testing.T) {
	root := buildRootCmd()

	want := map[string]bool{"serve": false, "token": false, "version": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing %q subcommand", name)
		}
	}
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("FABLECRAFT_CONFIG", "")
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestBuildSource_UnknownProvider(t *testing.T) {
	if _, err := buildSource(config.ProviderConfig{Type: "cohere"}, nil); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestBuildSource_SSE(t *testing.T) {
	src, err := buildSource(config.ProviderConfig{Type: "sse", Endpoint: "http://localhost:9999/turn"}, nil)
	if err != nil {
		t.Fatalf("buildSource: %v", err)
	}
	if src == nil {
		t.Fatal("nil source")
	}
}
