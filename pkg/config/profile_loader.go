package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RegulatorProfile describes where reports go for one deployment.
type RegulatorProfile struct {
	Name        string              `yaml:"name" json:"name"`
	Code        string              `yaml:"code" json:"code"`
	ENISA       Endpoint            `yaml:"enisa" json:"enisa"`
	CSIRTs      map[string]Endpoint `yaml:"csirts" json:"csirts"`
	Fallback    *Endpoint           `yaml:"fallback_csirt,omitempty" json:"fallback_csirt,omitempty"`
	LegTimeout  Duration            `yaml:"leg_timeout" json:"leg_timeout"`
	ClosePolicy string              `yaml:"close_policy" json:"close_policy"`
}

// Endpoint is one receiver. Loopback endpoints accept everything locally.
type Endpoint struct {
	URL           string  `yaml:"url,omitempty" json:"url,omitempty"`
	ClientID      string  `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	SecretEnv     string  `yaml:"secret_env,omitempty" json:"secret_env,omitempty"`
	RatePerSecond float64 `yaml:"rate_per_second,omitempty" json:"rate_per_second,omitempty"`
	Burst         int     `yaml:"burst,omitempty" json:"burst,omitempty"`
	Loopback      bool    `yaml:"loopback,omitempty" json:"loopback,omitempty"`
}

// Secret resolves the client secret from the named environment variable.
func (e Endpoint) Secret() string {
	if e.SecretEnv == "" {
		return ""
	}
	return os.Getenv(e.SecretEnv)
}

// Duration accepts Go duration strings in YAML ("45s", "2m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Validate checks that every endpoint is usable.
func (p *RegulatorProfile) Validate() error {
	var errs []error
	if err := p.ENISA.validate("enisa"); err != nil {
		errs = append(errs, err)
	}
	for cc, ep := range p.CSIRTs {
		if len(cc) != 2 {
			errs = append(errs, fmt.Errorf("csirt %q: country code must be ISO 3166-1 alpha-2", cc))
		}
		if err := ep.validate("csirt " + cc); err != nil {
			errs = append(errs, err)
		}
	}
	if p.Fallback != nil {
		if err := p.Fallback.validate("fallback_csirt"); err != nil {
			errs = append(errs, err)
		}
	}
	if p.LegTimeout.Duration < 0 {
		errs = append(errs, errors.New("leg_timeout must not be negative"))
	}
	switch strings.ToLower(p.ClosePolicy) {
	case "", "enforce", "warn":
	default:
		errs = append(errs, fmt.Errorf("close_policy %q: want enforce or warn", p.ClosePolicy))
	}
	return errors.Join(errs...)
}

func (e Endpoint) validate(name string) error {
	if e.Loopback {
		return nil
	}
	if e.URL == "" {
		return fmt.Errorf("%s: url is required unless loopback is set", name)
	}
	if !strings.HasPrefix(e.URL, "https://") && !strings.HasPrefix(e.URL, "http://") {
		return fmt.Errorf("%s: url must be http(s)", name)
	}
	return nil
}

// LoadRegulatorProfile reads and validates a profile file.
func LoadRegulatorProfile(path string) (*RegulatorProfile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("load regulator profile: %w", err)
	}

	var profile RegulatorProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse regulator profile %s: %w", path, err)
	}
	if profile.Code == "" {
		base := filepath.Base(path)
		profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), filepath.Ext(base))
	}
	profile.CSIRTs = normalizeCountries(profile.CSIRTs)
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("regulator profile %s: %w", profile.Code, err)
	}
	return &profile, nil
}

// LoadProfile loads profile_<code>.yaml from profilesDir.
func LoadProfile(profilesDir, code string) (*RegulatorProfile, error) {
	code = strings.ToLower(code)
	return LoadRegulatorProfile(filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code)))
}

// LoadAllProfiles loads every profile_*.yaml in profilesDir keyed by code.
func LoadAllProfiles(profilesDir string) (map[string]*RegulatorProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}
	profiles := make(map[string]*RegulatorProfile, len(matches))
	for _, path := range matches {
		p, err := LoadRegulatorProfile(path)
		if err != nil {
			return nil, err
		}
		profiles[p.Code] = p
	}
	return profiles, nil
}

// LoopbackProfile is used when no profile is configured.
func LoopbackProfile() *RegulatorProfile {
	return &RegulatorProfile{
		Name:     "loopback",
		Code:     "dev",
		ENISA:    Endpoint{Loopback: true},
		CSIRTs:   map[string]Endpoint{},
		Fallback: &Endpoint{Loopback: true},
	}
}

func normalizeCountries(in map[string]Endpoint) map[string]Endpoint {
	out := make(map[string]Endpoint, len(in))
	for cc, ep := range in {
		out[strings.ToUpper(strings.TrimSpace(cc))] = ep
	}
	return out
}
