package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendV4L2 = "v4l2"
	BackendSim  = "sim"

	PersistNone    = "none"
	PersistLibrary = "library"
	PersistS3      = "s3"
	PersistRedis   = "redis"
)

var (
	validPositions  = []string{"front", "back"}
	validBackends   = []string{BackendV4L2, BackendSim}
	validContainers = []string{"mov", "mp4", "mkv"}
	validPersist    = []string{PersistNone, PersistLibrary, PersistS3, PersistRedis}
)

type DefinitionsConfig struct {
	Cameras []CameraDefinition `mapstructure:"cameras" yaml:"cameras"`
}

// CameraDefinition describes one physical camera that profiles reference by ID
type CameraDefinition struct {
	ID          string `mapstructure:"id" yaml:"id"`
	Name        string `mapstructure:"name" yaml:"name"`
	Position    string `mapstructure:"position" yaml:"position"`
	Device      string `mapstructure:"device" yaml:"device"`
	InputFormat string `mapstructure:"input_format" yaml:"input_format,omitempty"`
}

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

// Config is a fully resolved profile
type Config struct {
	Camera   CameraConfig   `mapstructure:"camera" yaml:"camera"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`
	Sequence SequenceConfig `mapstructure:"sequence" yaml:"sequence"`
	Persist  PersistConfig  `mapstructure:"persist" yaml:"persist"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`

	// Internal field to track inheritance information for the config command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`

	sequenceSet sequenceFlags
}

type sequenceFlags struct {
	front, gap, back bool
}

type ConfigProfile struct {
	Camera   CameraProfile   `mapstructure:"camera" yaml:"camera"`
	Output   OutputConfig    `mapstructure:"output" yaml:"output"`
	Sequence SequenceProfile `mapstructure:"sequence" yaml:"sequence"`
	Persist  PersistConfig   `mapstructure:"persist" yaml:"persist"`
	Server   ServerConfig    `mapstructure:"server" yaml:"server"`
}

// CameraProfile references camera definitions by ID
type CameraProfile struct {
	Backend         string `mapstructure:"backend" yaml:"backend"`
	Front           string `mapstructure:"front" yaml:"front"`
	Back            string `mapstructure:"back" yaml:"back"`
	DefaultPosition string `mapstructure:"default_position" yaml:"default_position"`
	MaxFrameRate    bool   `mapstructure:"max_frame_rate" yaml:"max_frame_rate"`
}

// SequenceProfile holds durations as strings so an explicit "0s" gap differs from an unset one
type SequenceProfile struct {
	Front string `mapstructure:"front" yaml:"front"`
	Gap   string `mapstructure:"gap" yaml:"gap"`
	Back  string `mapstructure:"back" yaml:"back"`
}

type InheritanceInfo struct {
	Camera struct {
		Backend         string // "inherited" or "profile-specific"
		Front           string
		Back            string
		DefaultPosition string
	}
	Output struct {
		Directory string
		Container string
		Codec     string
	}
	Sequence struct {
		Front string
		Gap   string
		Back  string
	}
	Persist struct {
		Kind string
	}
	Server struct {
		Port string
	}
}

type CameraConfig struct {
	Backend         string `mapstructure:"backend" yaml:"backend"`
	Front           Camera `mapstructure:"front" yaml:"front"`
	Back            Camera `mapstructure:"back" yaml:"back"`
	DefaultPosition string `mapstructure:"default_position" yaml:"default_position"`
	MaxFrameRate    bool   `mapstructure:"max_frame_rate" yaml:"max_frame_rate"`
}

type Camera struct {
	ID          string `mapstructure:"id" yaml:"id"`
	Name        string `mapstructure:"name" yaml:"name"`
	Position    string `mapstructure:"position" yaml:"position"`
	Device      string `mapstructure:"device" yaml:"device"`
	InputFormat string `mapstructure:"input_format" yaml:"input_format,omitempty"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	Container string `mapstructure:"container" yaml:"container"` // "mov", "mp4", "mkv"
	Codec     string `mapstructure:"codec" yaml:"codec"`
}

type SequenceConfig struct {
	Front time.Duration `mapstructure:"front" yaml:"front"`
	Gap   time.Duration `mapstructure:"gap" yaml:"gap"`
	Back  time.Duration `mapstructure:"back" yaml:"back"`
}

type PersistConfig struct {
	Kind             string      `mapstructure:"kind" yaml:"kind"` // "none", "library", "s3", "redis"
	LibraryDirectory string      `mapstructure:"library_directory" yaml:"library_directory,omitempty"`
	S3               S3Config    `mapstructure:"s3" yaml:"s3,omitempty"`
	Redis            RedisConfig `mapstructure:"redis" yaml:"redis,omitempty"`
}

type S3Config struct {
	Bucket   string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Region   string `mapstructure:"region" yaml:"region,omitempty"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db,omitempty"`
	Key      string `mapstructure:"key" yaml:"key,omitempty"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
}

// Default returns the built-in configuration used when no config file exists
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Backend:         BackendV4L2,
			Front:           Camera{ID: "front", Name: "Front camera", Position: "front", Device: "/dev/video0"},
			Back:            Camera{ID: "back", Name: "Back camera", Position: "back", Device: "/dev/video2"},
			DefaultPosition: "front",
		},
		Output: OutputConfig{
			Directory: expandPath("~/Videos/DuoCapture"),
			Container: "mov",
			Codec:     "libx264",
		},
		Sequence: SequenceConfig{
			Front: 6 * time.Second,
			Gap:   1 * time.Second,
			Back:  6 * time.Second,
		},
		Persist: PersistConfig{
			Kind:  PersistNone,
			Redis: RedisConfig{Addr: "localhost:6379", Key: "duocapture:recordings"},
		},
		Server: ServerConfig{Port: "8080"},
		sequenceSet: sequenceFlags{front: true, gap: true, back: true},
	}
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	// Validate configuration format first
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Merge with default profile if it exists and we're not already using default
	base := Default()
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			defaultConfig, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			base = mergeConfigs(base, defaultConfig)
		}
	}
	selectedConfig = mergeConfigs(base, selectedConfig)

	// Global recordings directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.RecordingsDirectory != "" {
		selectedConfig.Output.Directory = rootConfig.Globals.Output.RecordingsDirectory
	}

	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	if selectedConfig.Persist.LibraryDirectory != "" {
		selectedConfig.Persist.LibraryDirectory = expandPath(selectedConfig.Persist.LibraryDirectory)
	}

	if err := Validate(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if _, ok := rootConfig.Configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving camera references
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Camera: CameraConfig{
			Backend:         profile.Camera.Backend,
			DefaultPosition: profile.Camera.DefaultPosition,
			MaxFrameRate:    profile.Camera.MaxFrameRate,
		},
		Output:  profile.Output,
		Persist: profile.Persist,
		Server:  profile.Server,
	}

	if profile.Camera.Front != "" {
		cam, err := resolveCamera(profile.Camera.Front, definitions)
		if err != nil {
			return nil, fmt.Errorf("camera.front: %w", err)
		}
		config.Camera.Front = cam
	}
	if profile.Camera.Back != "" {
		cam, err := resolveCamera(profile.Camera.Back, definitions)
		if err != nil {
			return nil, fmt.Errorf("camera.back: %w", err)
		}
		config.Camera.Back = cam
	}

	var err error
	if config.Sequence.Front, config.sequenceSet.front, err = parseDuration(profile.Sequence.Front); err != nil {
		return nil, fmt.Errorf("sequence.front: %w", err)
	}
	if config.Sequence.Gap, config.sequenceSet.gap, err = parseDuration(profile.Sequence.Gap); err != nil {
		return nil, fmt.Errorf("sequence.gap: %w", err)
	}
	if config.Sequence.Back, config.sequenceSet.back, err = parseDuration(profile.Sequence.Back); err != nil {
		return nil, fmt.Errorf("sequence.back: %w", err)
	}

	return config, nil
}

func resolveCamera(ref string, definitions *DefinitionsConfig) (Camera, error) {
	if definitions != nil {
		for _, def := range definitions.Cameras {
			if def.ID == ref {
				return Camera{
					ID:          def.ID,
					Name:        def.Name,
					Position:    def.Position,
					Device:      def.Device,
					InputFormat: def.InputFormat,
				}, nil
			}
		}
	}
	return Camera{}, fmt.Errorf("reference '%s' not found in definitions", ref)
}

func parseDuration(s string) (time.Duration, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false, err
	}
	return d, true, nil
}

// mergeConfigs implements the fallback model: every field the profile sets wins,
// everything else comes from base
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{Inheritance: &InheritanceInfo{}}

	if base != nil {
		result.Camera = base.Camera
		result.Output = base.Output
		result.Sequence = base.Sequence
		result.Persist = base.Persist
		result.Server = base.Server
		result.sequenceSet = base.sequenceSet

		inh := result.Inheritance
		inh.Camera.Backend = "inherited"
		inh.Camera.Front = "inherited"
		inh.Camera.Back = "inherited"
		inh.Camera.DefaultPosition = "inherited"
		inh.Output.Directory = "inherited"
		inh.Output.Container = "inherited"
		inh.Output.Codec = "inherited"
		inh.Sequence.Front = "inherited"
		inh.Sequence.Gap = "inherited"
		inh.Sequence.Back = "inherited"
		inh.Persist.Kind = "inherited"
		inh.Server.Port = "inherited"
	}

	if profile == nil {
		return result
	}
	inh := result.Inheritance

	if profile.Camera.Backend != "" {
		result.Camera.Backend = profile.Camera.Backend
		inh.Camera.Backend = "profile-specific"
	}
	if profile.Camera.Front.ID != "" {
		result.Camera.Front = profile.Camera.Front
		inh.Camera.Front = "profile-specific"
	}
	if profile.Camera.Back.ID != "" {
		result.Camera.Back = profile.Camera.Back
		inh.Camera.Back = "profile-specific"
	}
	if profile.Camera.DefaultPosition != "" {
		result.Camera.DefaultPosition = profile.Camera.DefaultPosition
		inh.Camera.DefaultPosition = "profile-specific"
	}
	// MaxFrameRate: profile value always takes precedence if the profile is loaded
	result.Camera.MaxFrameRate = profile.Camera.MaxFrameRate

	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		inh.Output.Directory = "profile-specific"
	}
	if profile.Output.Container != "" {
		result.Output.Container = profile.Output.Container
		inh.Output.Container = "profile-specific"
	}
	if profile.Output.Codec != "" {
		result.Output.Codec = profile.Output.Codec
		inh.Output.Codec = "profile-specific"
	}

	if profile.sequenceSet.front {
		result.Sequence.Front = profile.Sequence.Front
		result.sequenceSet.front = true
		inh.Sequence.Front = "profile-specific"
	}
	if profile.sequenceSet.gap {
		result.Sequence.Gap = profile.Sequence.Gap
		result.sequenceSet.gap = true
		inh.Sequence.Gap = "profile-specific"
	}
	if profile.sequenceSet.back {
		result.Sequence.Back = profile.Sequence.Back
		result.sequenceSet.back = true
		inh.Sequence.Back = "profile-specific"
	}

	if profile.Persist.Kind != "" {
		// Persistence settings travel together with their kind
		result.Persist = profile.Persist
		if result.Persist.Redis.Addr == "" && base != nil {
			result.Persist.Redis.Addr = base.Persist.Redis.Addr
		}
		if result.Persist.Redis.Key == "" && base != nil {
			result.Persist.Redis.Key = base.Persist.Redis.Key
		}
		inh.Persist.Kind = "profile-specific"
	}

	if profile.Server.Port != "" {
		result.Server.Port = profile.Server.Port
		inh.Server.Port = "profile-specific"
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Validate checks a resolved configuration
func Validate(config *Config) error {
	if !oneOf(config.Camera.Backend, validBackends) {
		return fmt.Errorf("camera.backend must be one of %v, got: %s", validBackends, config.Camera.Backend)
	}
	if err := validateCamera(config.Camera.Front, "front"); err != nil {
		return err
	}
	if err := validateCamera(config.Camera.Back, "back"); err != nil {
		return err
	}
	if !oneOf(config.Camera.DefaultPosition, validPositions) {
		return fmt.Errorf("camera.default_position must be 'front' or 'back', got: %s", config.Camera.DefaultPosition)
	}

	if config.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}
	if !oneOf(config.Output.Container, validContainers) {
		return fmt.Errorf("output.container must be one of %v, got: %s", validContainers, config.Output.Container)
	}

	if config.Sequence.Front <= 0 {
		return fmt.Errorf("sequence.front must be > 0, got: %s", config.Sequence.Front)
	}
	if config.Sequence.Gap < 0 {
		return fmt.Errorf("sequence.gap must be >= 0, got: %s", config.Sequence.Gap)
	}
	if config.Sequence.Back <= 0 {
		return fmt.Errorf("sequence.back must be > 0, got: %s", config.Sequence.Back)
	}

	switch config.Persist.Kind {
	case PersistNone, "":
	case PersistLibrary:
		if config.Persist.LibraryDirectory == "" {
			return fmt.Errorf("persist.library_directory is required for kind 'library'")
		}
	case PersistS3:
		if config.Persist.S3.Bucket == "" {
			return fmt.Errorf("persist.s3.bucket is required for kind 's3'")
		}
	case PersistRedis:
		if config.Persist.Redis.Addr == "" || config.Persist.Redis.Key == "" {
			return fmt.Errorf("persist.redis.addr and persist.redis.key are required for kind 'redis'")
		}
	default:
		return fmt.Errorf("persist.kind must be one of %v, got: %s", validPersist, config.Persist.Kind)
	}

	return nil
}

func validateCamera(cam Camera, slot string) error {
	if cam.ID == "" {
		return fmt.Errorf("camera.%s is required", slot)
	}
	if cam.Position != slot {
		return fmt.Errorf("camera.%s references '%s' which is a %s camera", slot, cam.ID, cam.Position)
	}
	if cam.Device == "" {
		return fmt.Errorf("camera.%s '%s' has no device", slot, cam.ID)
	}
	return nil
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	// Set environment variable prefix
	v.SetEnvPrefix("DUOCAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	for configName, configProfile := range rootConfig.Configs {
		if err := validateProfile(configProfile, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return fmt.Errorf("definitions section is required")
	}

	if len(definitions.Cameras) == 0 {
		return fmt.Errorf("definitions.cameras cannot be empty")
	}

	seenIDs := make(map[string]bool)
	for i, def := range definitions.Cameras {
		prefix := fmt.Sprintf("definitions.cameras[%d]", i)
		if def.ID == "" {
			return fmt.Errorf("%s: 'id' is required", prefix)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("%s: duplicate ID '%s'", prefix, def.ID)
		}
		seenIDs[def.ID] = true

		if def.Name == "" {
			return fmt.Errorf("%s: 'name' is required", prefix)
		}
		if !oneOf(def.Position, validPositions) {
			return fmt.Errorf("%s: 'position' must be 'front' or 'back', got: %s", prefix, def.Position)
		}
		if def.Device == "" {
			return fmt.Errorf("%s: 'device' is required", prefix)
		}
	}

	return nil
}

// validateProfile validates references and enumerations in a config profile
func validateProfile(profile *ConfigProfile, definitions *DefinitionsConfig) error {
	if profile == nil {
		return fmt.Errorf("profile is empty")
	}

	refs := map[string]string{"front": profile.Camera.Front, "back": profile.Camera.Back}
	for _, slot := range validPositions {
		ref := refs[slot]
		if ref == "" {
			continue
		}
		cam, err := resolveCamera(ref, definitions)
		if err != nil {
			return fmt.Errorf("camera.%s references undefined camera definition '%s'", slot, ref)
		}
		if cam.Position != slot {
			return fmt.Errorf("camera.%s references '%s' which is a %s camera", slot, ref, cam.Position)
		}
	}

	if profile.Camera.Backend != "" && !oneOf(profile.Camera.Backend, validBackends) {
		return fmt.Errorf("camera.backend must be one of %v, got: %s", validBackends, profile.Camera.Backend)
	}
	if profile.Camera.DefaultPosition != "" && !oneOf(profile.Camera.DefaultPosition, validPositions) {
		return fmt.Errorf("camera.default_position must be 'front' or 'back', got: %s", profile.Camera.DefaultPosition)
	}
	if profile.Output.Container != "" && !oneOf(profile.Output.Container, validContainers) {
		return fmt.Errorf("output.container must be one of %v, got: %s", validContainers, profile.Output.Container)
	}
	if profile.Persist.Kind != "" && !oneOf(profile.Persist.Kind, validPersist) {
		return fmt.Errorf("persist.kind must be one of %v, got: %s", validPersist, profile.Persist.Kind)
	}

	durations := []struct {
		name      string
		value     string
		allowZero bool
	}{
		{"front", profile.Sequence.Front, false},
		{"gap", profile.Sequence.Gap, true},
		{"back", profile.Sequence.Back, false},
	}
	for _, d := range durations {
		value, set, err := parseDuration(d.value)
		if err != nil {
			return fmt.Errorf("sequence.%s: invalid duration '%s'", d.name, d.value)
		}
		if !set {
			continue
		}
		if value < 0 || (value == 0 && !d.allowZero) {
			return fmt.Errorf("sequence.%s must be positive, got: %s", d.name, d.value)
		}
	}

	return nil
}

func oneOf(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
