package config

import (
	"testing"

	"github.com/kelseyhightower/envconfig"
)

func TestParsePortRange(t *testing.T) {
	tests := []struct {
		input   string
		want    PortRange
		wantErr bool
	}{
		{"6080-6179", PortRange{6080, 6179}, false},
		{" 22 - 22 ", PortRange{22, 22}, false},
		{"100", PortRange{}, true},
		{"200-100", PortRange{}, true},
		{"0-10", PortRange{}, true},
		{"1-70000", PortRange{}, true},
		{"a-b", PortRange{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePortRange(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParsePortRange(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePortRange(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParsePortRange(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestProcessDefaults(t *testing.T) {
	var s Settings
	if err := envconfig.Process("EXAMRT_TEST_DEFAULTS", &s); err != nil {
		t.Fatalf("process: %v", err)
	}
	if s.PortsDesktop != (PortRange{6080, 6179}) {
		t.Errorf("unexpected desktop range %v", s.PortsDesktop)
	}
	if s.PortsDesktop.Size() != 100 {
		t.Errorf("expected 100 desktop ports, got %d", s.PortsDesktop.Size())
	}
	if err := s.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestProcessFromEnv(t *testing.T) {
	t.Setenv("EXAMRT_TEST_ENV_PORTS_JUMPHOST", "3000-3009")
	t.Setenv("EXAMRT_TEST_ENV_TEMPLATE_IMAGES", "ckad:examrt/ckad:1,cka:examrt/cka:2")

	var s Settings
	if err := envconfig.Process("EXAMRT_TEST_ENV", &s); err != nil {
		t.Fatalf("process: %v", err)
	}
	if s.PortsJumphost != (PortRange{3000, 3009}) {
		t.Errorf("unexpected jumphost range %v", s.PortsJumphost)
	}
	if s.TemplateImages["cka"] != "examrt/cka:2" {
		t.Errorf("unexpected template images %v", s.TemplateImages)
	}
}

func TestValidateRejectsOverlap(t *testing.T) {
	s := Settings{
		PortsDesktop:      PortRange{100, 200},
		PortsTerminal:     PortRange{150, 250},
		PortsJumphost:     PortRange{300, 400},
		PortsClusterAPI:   PortRange{500, 600},
		Bus:               "local",
		TerminalTransport: "exec",
		SpawnTimeout:      1,
		TickInterval:      1,
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected overlap error")
	}

	s.PortsTerminal = PortRange{201, 250}
	if err := s.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	s.Bus = "kafka"
	if err := s.Validate(); err == nil {
		t.Fatal("expected unknown bus error")
	}
}
