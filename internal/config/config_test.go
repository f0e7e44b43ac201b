package config

import (
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "default config",
			envVars: map[string]string{},
			wantErr: false,
		},
		{
			name: "custom config",
			envVars: map[string]string{
				"SERVICE_NAME":          "minerd",
				"LISTEN_PORT":           "8080",
				"TARGET_BLOCK_INTERVAL": "12s",
				"RETARGET_WINDOW":       "20",
				"MINER_ENDPOINT":        "http://miner:8080",
			},
			wantErr: false,
		},
		{
			name:    "invalid port",
			envVars: map[string]string{"LISTEN_PORT": "99999"},
			wantErr: true,
		},
		{
			name:    "window too short",
			envVars: map[string]string{"RETARGET_WINDOW": "1"},
			wantErr: true,
		},
		{
			name:    "min ratio above one",
			envVars: map[string]string{"ADJUST_MIN_RATIO": "1.5"},
			wantErr: true,
		},
		{
			name:    "genesis harder than hardest",
			envVars: map[string]string{"GENESIS_TARGET_BITS": "300"},
			wantErr: true,
		},
		{
			name:    "no workers",
			envVars: map[string]string{"LOCAL_WORKERS": "0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if cfg.ServiceName == "" {
					t.Error("ServiceName should not be empty")
				}
				if cfg.RetargetWindow < 2 {
					t.Error("RetargetWindow should be at least 2")
				}
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TargetBlockInterval != 6*time.Second {
		t.Errorf("TargetBlockInterval = %v, want 6s", cfg.TargetBlockInterval)
	}
	if cfg.AdjustMinRatio != 0.25 || cfg.AdjustMaxRatio != 4.0 {
		t.Errorf("adjust ratio = [%v, %v], want [0.25, 4]", cfg.AdjustMinRatio, cfg.AdjustMaxRatio)
	}
	if !cfg.MinerFallbackLocal {
		t.Error("MinerFallbackLocal should default to true")
	}
	if cfg.KafkaBrokers != nil {
		t.Errorf("KafkaBrokers = %v, want nil", cfg.KafkaBrokers)
	}
	if cfg.ListenAddress() != "0.0.0.0:9933" {
		t.Errorf("ListenAddress() = %s", cfg.ListenAddress())
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "test_value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty-two")
	t.Setenv("TEST_FLOAT", "3.14")
	t.Setenv("TEST_BOOL", "false")
	t.Setenv("TEST_DURATION", "30s")
	t.Setenv("TEST_SLICE", "kafka-1:9092, kafka-2:9092,,")

	if got := getEnv("TEST_STRING", "default"); got != "test_value" {
		t.Errorf("getEnv() = %v, want %v", got, "test_value")
	}
	if got := getEnv("NONEXISTENT", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want %v", got, "default")
	}
	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %v, want %v", got, 42)
	}
	if got := getEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt() = %v, want fallback 7", got)
	}
	if got := getEnvFloat("TEST_FLOAT", 0.0); got != 3.14 {
		t.Errorf("getEnvFloat() = %v, want %v", got, 3.14)
	}
	if got := getEnvBool("TEST_BOOL", true); got {
		t.Error("getEnvBool() = true, want false")
	}
	if got := getEnvDuration("TEST_DURATION", 0); got != 30*time.Second {
		t.Errorf("getEnvDuration() = %v, want %v", got, 30*time.Second)
	}

	got := getEnvSlice("TEST_SLICE", nil)
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Errorf("getEnvSlice() = %v", got)
	}
}
