package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/parley/internal/config"
	linkmock "github.com/MrWong99/parley/pkg/link/mock"
	"github.com/MrWong99/parley/pkg/protocol/gemini"
)

func TestRegistry_CreateLink(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var got config.SessionConfig
	reg.RegisterLink("fake", func(s config.SessionConfig) (config.Link, error) {
		got = s
		return config.Link{Dialer: &linkmock.Dialer{}, Protocol: gemini.New()}, nil
	})

	l, err := reg.CreateLink(config.SessionConfig{Link: "fake", Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.Protocol.Name() != "gemini-live" {
		t.Errorf("protocol = %s", l.Protocol.Name())
	}
	if got.Model != "m" {
		t.Errorf("factory saw model %q", got.Model)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	_, err := config.NewRegistry().CreateLink(config.SessionConfig{Link: "nope"})
	if !errors.Is(err, config.ErrLinkNotRegistered) {
		t.Errorf("error = %v, want ErrLinkNotRegistered", err)
	}
}

func TestRegistry_FactoryErrors(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterLink("bad", func(config.SessionConfig) (config.Link, error) { return config.Link{}, boom })
	reg.RegisterLink("partial", func(config.SessionConfig) (config.Link, error) {
		return config.Link{Protocol: gemini.New()}, nil
	})

	if _, err := reg.CreateLink(config.SessionConfig{Link: "bad"}); !errors.Is(err, boom) {
		t.Errorf("bad: error = %v", err)
	}
	if _, err := reg.CreateLink(config.SessionConfig{Link: "partial"}); err == nil {
		t.Error("partial: expected error for missing dialer")
	}
	if names := reg.Links(); !slices.Equal(names, []string{"bad", "partial"}) {
		t.Errorf("Links() = %v", names)
	}
}
