package main

import (
	"testing"

	"github.com/banshee-data/sortgate/internal/config"
)

func TestFlagDefaults(t *testing.T) {
	if *listen != config.DefaultListen {
		t.Errorf("listen default = %q, want %q", *listen, config.DefaultListen)
	}
	if *replay != "-" {
		t.Errorf("replay default = %q, want stdin", *replay)
	}
	if *disableSerial {
		t.Error("serial should be enabled by default")
	}
	if *replayInterval != 0 {
		t.Errorf("replay-interval default = %v, want 0", *replayInterval)
	}
}

// TestApplyFlags verifies that only explicitly set flags override the
// loaded configuration.
func TestApplyFlags(t *testing.T) {
	fileListen := ":9000"
	filePort := "/dev/ttyACM0"

	tests := []struct {
		name         string
		set          map[string]bool
		wantListen   string
		wantPort     string
		wantDisabled bool
	}{
		{
			name:       "nothing set keeps file values",
			set:        map[string]bool{},
			wantListen: fileListen,
			wantPort:   filePort,
		},
		{
			name:       "listen flag wins",
			set:        map[string]bool{"listen": true},
			wantListen: config.DefaultListen,
			wantPort:   filePort,
		},
		{
			name:         "serial flags win",
			set:          map[string]bool{"port": true, "disable-serial": true},
			wantListen:   fileListen,
			wantPort:     config.DefaultSerialPort,
			wantDisabled: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, p := fileListen, filePort
			cfg := &config.Config{Listen: &l, Serial: &config.SerialConfig{Port: &p}}
			if tt.wantDisabled {
				*disableSerial = true
				t.Cleanup(func() { *disableSerial = false })
			}

			applyFlags(cfg, tt.set)

			if got := cfg.GetListen(); got != tt.wantListen {
				t.Errorf("listen = %q, want %q", got, tt.wantListen)
			}
			if got := cfg.GetSerialPort(); got != tt.wantPort {
				t.Errorf("port = %q, want %q", got, tt.wantPort)
			}
			if got := cfg.GetSerialDisabled(); got != tt.wantDisabled {
				t.Errorf("disabled = %v, want %v", got, tt.wantDisabled)
			}
		})
	}
}

func TestApplyFlags_CreatesSerialBlock(t *testing.T) {
	cfg := config.EmptyConfig()
	applyFlags(cfg, map[string]bool{"port": true})
	if cfg.Serial == nil || cfg.GetSerialPort() != *port {
		t.Errorf("serial block not created from -port")
	}
}
