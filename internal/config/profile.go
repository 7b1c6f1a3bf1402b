package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

//go:embed profile.yaml
var defaultProfile []byte

// TriageProfile is the clinic-specific text and keyword data. It lives
// outside the code so phrase lists can change without a redeploy.
type TriageProfile struct {
	ClinicName       string   `mapstructure:"clinic_name"`
	Greeting         string   `mapstructure:"greeting"`
	EmergencyReply   string   `mapstructure:"emergency_reply"`
	Apology          string   `mapstructure:"apology"`
	Persona          string   `mapstructure:"persona"`
	EmergencyPhrases []string `mapstructure:"emergency_phrases"`
}

// LoadProfile reads the embedded default profile and, if path is set,
// merges the file at path over it. Keys missing from the override keep
// their defaults.
func LoadProfile(path string) (*TriageProfile, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaultProfile)); err != nil {
		return nil, fmt.Errorf("failed to read default profile: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
		}
	}

	var p TriageProfile
	if err := v.Unmarshal(&p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	p.normalize()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *TriageProfile) normalize() {
	p.Greeting = strings.TrimSpace(p.Greeting)
	p.EmergencyReply = strings.TrimSpace(p.EmergencyReply)
	p.Apology = strings.TrimSpace(p.Apology)
	p.Persona = strings.TrimSpace(p.Persona)

	phrases := p.EmergencyPhrases[:0]
	for _, phrase := range p.EmergencyPhrases {
		if phrase = strings.TrimSpace(phrase); phrase != "" {
			phrases = append(phrases, phrase)
		}
	}
	p.EmergencyPhrases = phrases
}

// Validate checks that every text the assistant may emit is present.
func (p *TriageProfile) Validate() error {
	var errs []error
	if p.Greeting == "" {
		errs = append(errs, errors.New("profile: greeting is empty"))
	}
	if p.EmergencyReply == "" {
		errs = append(errs, errors.New("profile: emergency_reply is empty"))
	}
	if p.Apology == "" {
		errs = append(errs, errors.New("profile: apology is empty"))
	}
	if p.Persona == "" {
		errs = append(errs, errors.New("profile: persona is empty"))
	}
	if len(p.EmergencyPhrases) == 0 {
		errs = append(errs, errors.New("profile: emergency_phrases is empty"))
	}
	return errors.Join(errs...)
}
