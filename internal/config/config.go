package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	KeyEndpoint        = "AzureOAIEndpoint"
	KeyAPIKey          = "AzureOAIKey"
	KeyDeploymentName  = "AzureOAIDeploymentName"
	KeyAPIVersion      = "AzureOAIApiVersion"
	KeySystemMessage   = "SystemMessage"
	KeyMaxTokens       = "MaxTokens"
	KeyTemperature     = "Temperature"
	KeyLogDir          = "LogDir"
	KeyTranscriptDB    = "TranscriptDB"
	KeyContinueOnError = "ContinueOnError"
)

const (
	DefaultSettingsFile = "appsettings.json"
	DefaultAPIVersion   = "2024-02-01"
	DefaultMaxTokens    = 1200
	DefaultTemperature  = 0.7
	DefaultLogDir       = "logs"

	DefaultSystemMessage = "I am a hiking enthusiast named Forest who helps people discover hikes in their area. " +
		"If no area is specified, I will default to near Rainier National Park. " +
		"I will then provide three suggestions for nearby hikes that vary in length. " +
		"I will also share an interesting fact about the local nature on the hikes when making a recommendation."
)

// ErrMissingSetting marks a required setting that is absent or empty
var ErrMissingSetting = errors.New("missing required setting")

// MissingSettingError names the required key that failed validation
type MissingSettingError struct {
	Key string
}

func (e *MissingSettingError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingSetting, e.Key)
}

func (e *MissingSettingError) Unwrap() error {
	return ErrMissingSetting
}

// Settings holds application configuration
type Settings struct {
	Endpoint       string
	APIKey         string
	DeploymentName string
	APIVersion     string
	SystemMessage  string
	MaxTokens      int
	Temperature    float32

	LogDir          string
	TranscriptDB    string // empty disables the turn journal
	ContinueOnError bool   // keep the loop alive after a failed completion
}

// Load reads settings from a JSON, TOML or YAML file, chosen by extension.
// Keys are matched case-sensitively in every format.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings file: %w", err)
	}

	raw := map[string]interface{}{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	return FromMap(raw)
}

// FromMap applies defaults, converts optional values and validates the
// required keys.
func FromMap(raw map[string]interface{}) (Settings, error) {
	s := Settings{
		Endpoint:       stringValue(raw, KeyEndpoint),
		APIKey:         stringValue(raw, KeyAPIKey),
		DeploymentName: stringValue(raw, KeyDeploymentName),
		APIVersion:     DefaultAPIVersion,
		SystemMessage:  DefaultSystemMessage,
		MaxTokens:      DefaultMaxTokens,
		Temperature:    DefaultTemperature,
		LogDir:         DefaultLogDir,
		TranscriptDB:   stringValue(raw, KeyTranscriptDB),
	}

	if v := stringValue(raw, KeyAPIVersion); v != "" {
		s.APIVersion = v
	}
	if v := stringValue(raw, KeySystemMessage); v != "" {
		s.SystemMessage = v
	}
	if v := stringValue(raw, KeyLogDir); v != "" {
		s.LogDir = v
	}

	if v, ok := raw[KeyMaxTokens]; ok {
		n, ok := number(v)
		if !ok || n <= 0 || n != float64(int(n)) {
			return Settings{}, fmt.Errorf("invalid %s: %v", KeyMaxTokens, v)
		}
		s.MaxTokens = int(n)
	}
	if v, ok := raw[KeyTemperature]; ok {
		n, ok := number(v)
		if !ok || n < 0 || n > 2 {
			return Settings{}, fmt.Errorf("invalid %s: %v", KeyTemperature, v)
		}
		s.Temperature = float32(n)
	}
	if v, ok := raw[KeyContinueOnError]; ok {
		b, ok := v.(bool)
		if !ok {
			return Settings{}, fmt.Errorf("invalid %s: %v", KeyContinueOnError, v)
		}
		s.ContinueOnError = b
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks that every required setting is present and non-empty
func (s Settings) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{KeyEndpoint, s.Endpoint},
		{KeyAPIKey, s.APIKey},
		{KeyDeploymentName, s.DeploymentName},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &MissingSettingError{Key: r.key}
		}
	}
	return nil
}

func stringValue(raw map[string]interface{}, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
