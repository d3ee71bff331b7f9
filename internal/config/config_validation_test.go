package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestValidateConfigurationFormat_ValidConfig(t *testing.T) {
	validConfig := `
active_config: test

definitions:
  cameras:
    - id: cam_front
      name: Front
      position: front
      device: /dev/video0
    - id: cam_back
      name: Back
      position: back
      device: /dev/video2

configs:
  test:
    camera:
      backend: sim
      front: cam_front
      back: cam_back
    persist:
      kind: s3
      s3:
        bucket: recordings
        region: eu-west-1
`

	configFile := createTempConfig(t, validConfig)
	defer os.Remove(configFile)

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if rootConfig.Definitions == nil || len(rootConfig.Definitions.Cameras) != 2 {
		t.Fatalf("Expected 2 camera definitions, got %+v", rootConfig.Definitions)
	}

	def := rootConfig.Definitions.Cameras[0]
	if def.ID != "cam_front" || def.Position != "front" || def.Device != "/dev/video0" {
		t.Errorf("Invalid first definition: %+v", def)
	}

	testConfig := rootConfig.Configs["test"]
	if testConfig == nil {
		t.Fatal("Expected test config")
	}
	if testConfig.Camera.Backend != "sim" || testConfig.Camera.Front != "cam_front" {
		t.Errorf("Unexpected camera profile: %+v", testConfig.Camera)
	}
	if testConfig.Persist.S3.Bucket != "recordings" {
		t.Errorf("Expected s3 bucket, got %+v", testConfig.Persist.S3)
	}
}

func TestValidateConfigurationFormat_Errors(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name: "missing definitions",
			config: `
configs:
  test:
    camera:
      front: nope
`,
			wantErr: "definitions section is required",
		},
		{
			name: "empty definitions",
			config: `
definitions:
  cameras: []
configs: {}
`,
			wantErr: "definitions.cameras cannot be empty",
		},
		{
			name: "duplicate id",
			config: `
definitions:
  cameras:
    - {id: cam, name: A, position: front, device: /dev/video0}
    - {id: cam, name: B, position: back, device: /dev/video2}
configs: {}
`,
			wantErr: "duplicate ID 'cam'",
		},
		{
			name: "invalid position",
			config: `
definitions:
  cameras:
    - {id: cam, name: A, position: side, device: /dev/video0}
configs: {}
`,
			wantErr: "'position' must be 'front' or 'back'",
		},
		{
			name: "missing device",
			config: `
definitions:
  cameras:
    - {id: cam, name: A, position: front}
configs: {}
`,
			wantErr: "'device' is required",
		},
		{
			name: "undefined reference",
			config: `
definitions:
  cameras:
    - {id: cam, name: A, position: front, device: /dev/video0}
configs:
  test:
    camera:
      front: missing_cam
`,
			wantErr: "references undefined camera definition 'missing_cam'",
		},
		{
			name: "wrong slot",
			config: `
definitions:
  cameras:
    - {id: cam, name: A, position: front, device: /dev/video0}
configs:
  test:
    camera:
      back: cam
`,
			wantErr: "which is a front camera",
		},
		{
			name: "invalid backend",
			config: `
definitions:
  cameras:
    - {id: cam, name: A, position: front, device: /dev/video0}
configs:
  test:
    camera:
      backend: avfoundation
`,
			wantErr: "camera.backend must be one of",
		},
		{
			name: "invalid container",
			config: `
definitions:
  cameras:
    - {id: cam, name: A, position: front, device: /dev/video0}
configs:
  test:
    output:
      container: avi
`,
			wantErr: "output.container must be one of",
		},
		{
			name: "invalid persist kind",
			config: `
definitions:
  cameras:
    - {id: cam, name: A, position: front, device: /dev/video0}
configs:
  test:
    persist:
      kind: ftp
`,
			wantErr: "persist.kind must be one of",
		},
		{
			name: "unparseable duration",
			config: `
definitions:
  cameras:
    - {id: cam, name: A, position: front, device: /dev/video0}
configs:
  test:
    sequence:
      front: six seconds
`,
			wantErr: "sequence.front: invalid duration",
		},
		{
			name: "zero phase duration",
			config: `
definitions:
  cameras:
    - {id: cam, name: A, position: front, device: /dev/video0}
configs:
  test:
    sequence:
      back: 0s
`,
			wantErr: "sequence.back must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile := createTempConfig(t, tt.config)
			defer os.Remove(configFile)

			_, err := ValidateConfigurationFormat(configFile)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateConfigurationFormat_ZeroGapAllowed(t *testing.T) {
	config := `
definitions:
  cameras:
    - {id: cam, name: A, position: front, device: /dev/video0}
configs:
  test:
    sequence:
      gap: 0s
`
	configFile := createTempConfig(t, config)
	defer os.Remove(configFile)

	if _, err := ValidateConfigurationFormat(configFile); err != nil {
		t.Errorf("Expected zero gap to be accepted, got: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"missing back camera", func(c *Config) { c.Camera.Back = Camera{} }, "camera.back is required"},
		{"front in back slot", func(c *Config) { c.Camera.Back = c.Camera.Front }, "which is a front camera"},
		{"bad default position", func(c *Config) { c.Camera.DefaultPosition = "up" }, "camera.default_position"},
		{"negative gap", func(c *Config) { c.Sequence.Gap = -time.Second }, "sequence.gap must be >= 0"},
		{"zero front", func(c *Config) { c.Sequence.Front = 0 }, "sequence.front must be > 0"},
		{"library without directory", func(c *Config) { c.Persist.Kind = PersistLibrary }, "persist.library_directory is required"},
		{"s3 without bucket", func(c *Config) { c.Persist.Kind = PersistS3 }, "persist.s3.bucket is required"},
		{"redis without key", func(c *Config) {
			c.Persist.Kind = PersistRedis
			c.Persist.Redis.Key = ""
		}, "persist.redis.addr and persist.redis.key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestConvertProfileToConfig_Nil(t *testing.T) {
	if _, err := convertProfileToConfig(nil, nil); err == nil {
		t.Error("Expected error for nil profile")
	}
}

func TestConvertProfileToConfig_MissingReference(t *testing.T) {
	profile := &ConfigProfile{Camera: CameraProfile{Front: "missing_cam"}}

	_, err := convertProfileToConfig(profile, &DefinitionsConfig{})
	if err == nil {
		t.Fatal("Expected error for missing reference")
	}
	if !strings.Contains(err.Error(), "reference 'missing_cam' not found in definitions") {
		t.Errorf("Expected error about missing reference, got: %v", err)
	}
}

// Helper function to create temporary config file for testing
func createTempConfig(t *testing.T, content string) string {
	tmpfile, err := os.CreateTemp("", "duocapture-test-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}

	if err := tmpfile.Close(); err != nil {
		t.Fatalf("Failed to close temp file: %v", err)
	}

	return tmpfile.Name()
}
