package main

import (
	"testing"

	"github.com/flowcraft/agentpipe/pipeline"
	"github.com/flowcraft/agentpipe/pipeline/config"
)

func TestValidTaskKind(t *testing.T) {
	valid := []pipeline.TaskKind{
		pipeline.TaskFeature, pipeline.TaskBugfix, pipeline.TaskHotfix,
		pipeline.TaskRefactor, pipeline.TaskDocumentation,
	}
	for _, k := range valid {
		if !validTaskKind(k) {
			t.Errorf("expected %q to be valid", k)
		}
	}
	if validTaskKind(pipeline.TaskKind("bogus")) {
		t.Error("expected unknown task kind to be invalid")
	}
}

func TestBuildAdapter_MissingAPIKey(t *testing.T) {
	_, err := buildAdapter("anthropic", "", config.Config{})
	if err == nil {
		t.Fatal("expected error when ModelAPIKey is empty")
	}
}

func TestBuildAdapter_UnknownProvider(t *testing.T) {
	_, err := buildAdapter("bogus-provider", "", config.Config{ModelAPIKey: "sk-test"})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestBuildAdapter_KnownProviders(t *testing.T) {
	cfg := config.Config{ModelAPIKey: "sk-test"}
	for _, provider := range []string{"anthropic", "openai", "google"} {
		adapter, err := buildAdapter(provider, "", cfg)
		if err != nil {
			t.Errorf("provider %q: unexpected error: %v", provider, err)
		}
		if adapter == nil {
			t.Errorf("provider %q: expected a non-nil adapter", provider)
		}
	}
}
