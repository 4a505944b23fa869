package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is storage",
			check:  func(c *Config) bool { return c.Mode == "storage" },
			expect: "storage",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8000",
			check:  func(c *Config) bool { return c.Port == 8000 },
			expect: "8000",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default token duration is 300",
			check:  func(c *Config) bool { return c.DefaultTokenDuration == 300 },
			expect: "300",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8000" },
			expect: "0.0.0.0:8000",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestValidateSizeLimits(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid limits",
			cfg: Config{
				MaxRequestBytes: 300, MaxPostBytes: 200, MaxRecordPayloadBytes: 100,
				MaxTotalRecords: 100, MaxPostRecords: 10,
				MaxTotalBytes: 1000, // >= MaxPostBytes
			},
			wantErr: false,
		},
		{
			name: "request must exceed post bytes",
			cfg: Config{
				MaxRequestBytes: 200, MaxPostBytes: 200, MaxRecordPayloadBytes: 100,
				MaxTotalRecords: 100, MaxPostRecords: 10, MaxTotalBytes: 1000,
			},
			wantErr: true,
		},
		{
			name: "post bytes must be >= record payload",
			cfg: Config{
				MaxRequestBytes: 300, MaxPostBytes: 50, MaxRecordPayloadBytes: 100,
				MaxTotalRecords: 100, MaxPostRecords: 10, MaxTotalBytes: 1000,
			},
			wantErr: true,
		},
		{
			name: "total records must be >= post records",
			cfg: Config{
				MaxRequestBytes: 300, MaxPostBytes: 200, MaxRecordPayloadBytes: 100,
				MaxTotalRecords: 5, MaxPostRecords: 10, MaxTotalBytes: 1000,
			},
			wantErr: true,
		},
		{
			name: "total bytes must be >= post bytes",
			cfg: Config{
				MaxRequestBytes: 300, MaxPostBytes: 200, MaxRecordPayloadBytes: 100,
				MaxTotalRecords: 100, MaxPostRecords: 10, MaxTotalBytes: 100,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
