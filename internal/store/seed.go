package store

import (
	"context"
	"fmt"
	"os"
	"strings"

	"agentdesk/internal/domain"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout accepted by `agentdesk seed`.
//
//	clients:
//	  - id: acme
//	    name: Acme Dental
//	    agents:
//	      - id: acme-front
//	        default: true
//	        systemPrompt: You are the front desk of Acme Dental.
//	    bindings:
//	      - phone: "+1 555 010 0100"
//	        agent: acme-front
type SeedFile struct {
	Clients []SeedClient `yaml:"clients"`
}

type SeedClient struct {
	ID       string        `yaml:"id"`
	Name     string        `yaml:"name"`
	Agents   []SeedAgent   `yaml:"agents"`
	Bindings []SeedBinding `yaml:"bindings"`
}

type SeedAgent struct {
	ID           string             `yaml:"id"`
	Name         string             `yaml:"name"`
	Default      bool               `yaml:"default"`
	SystemPrompt string             `yaml:"systemPrompt"`
	Greeting     string             `yaml:"greeting"`
	APIKey       string             `yaml:"apiKey"`
	Voice        domain.VoiceConfig `yaml:"voice"`
}

type SeedBinding struct {
	Phone  string `yaml:"phone"`
	Agent  string `yaml:"agent"`
	Active *bool  `yaml:"active"`
	Voice  *bool  `yaml:"voice"`
}

// SeedStats counts what ApplySeed wrote.
type SeedStats struct {
	Clients  int
	Agents   int
	Bindings int
}

// ParseSeed decodes and validates seed YAML.
func ParseSeed(data []byte) (*SeedFile, error) {
	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := sf.Validate(); err != nil {
		return nil, err
	}
	return &sf, nil
}

// LoadSeedFile reads a seed file. Env expansion is the caller's job.
func LoadSeedFile(path string, expand func(string) string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	if expand != nil {
		data = []byte(expand(string(data)))
	}
	return ParseSeed(data)
}

// Validate checks references inside the file. All problems are reported at once.
func (sf *SeedFile) Validate() error {
	var errs []string
	seen := make(map[string]bool)

	for i, c := range sf.Clients {
		if c.ID == "" {
			errs = append(errs, fmt.Sprintf("clients[%d].id is required", i))
			continue
		}
		if seen[c.ID] {
			errs = append(errs, fmt.Sprintf("client %q listed twice", c.ID))
		}
		seen[c.ID] = true

		agents := make(map[string]bool)
		defaults := 0
		for j, a := range c.Agents {
			if a.ID == "" {
				errs = append(errs, fmt.Sprintf("clients[%s].agents[%d].id is required", c.ID, j))
				continue
			}
			agents[a.ID] = true
			if a.Default {
				defaults++
			}
		}
		if defaults > 1 {
			errs = append(errs, fmt.Sprintf("client %q has %d default agents", c.ID, defaults))
		}

		for j, b := range c.Bindings {
			if domain.NormalizePhone(b.Phone) == "" {
				errs = append(errs, fmt.Sprintf("clients[%s].bindings[%d].phone is required", c.ID, j))
			}
			if !agents[b.Agent] {
				errs = append(errs, fmt.Sprintf("clients[%s].bindings[%d] references unknown agent %q", c.ID, j, b.Agent))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: invalid seed:\n  - %s", domain.ErrValidation, strings.Join(errs, "\n  - "))
	}
	return nil
}

// ApplySeed upserts everything in sf. Binding ids are derived from the
// client and phone so re-running a seed updates rather than duplicates.
func ApplySeed(ctx context.Context, ts domain.TenantStore, sf *SeedFile) (SeedStats, error) {
	var stats SeedStats
	for _, c := range sf.Clients {
		name := c.Name
		if name == "" {
			name = c.ID
		}
		if err := ts.UpsertClient(ctx, domain.Client{ID: c.ID, Name: name}); err != nil {
			return stats, err
		}
		stats.Clients++

		for _, a := range c.Agents {
			agent := domain.Agent{
				ID:           a.ID,
				ClientID:     c.ID,
				Name:         a.Name,
				SystemPrompt: a.SystemPrompt,
				Greeting:     a.Greeting,
				APIKey:       a.APIKey,
				IsDefault:    a.Default,
				Voice:        a.Voice,
			}
			if err := ts.UpsertAgent(ctx, agent); err != nil {
				return stats, err
			}
			stats.Agents++
		}

		for _, b := range c.Bindings {
			phone := domain.NormalizePhone(b.Phone)
			binding := domain.ChannelBinding{
				ID:           c.ID + ":" + phone,
				PhoneNumber:  phone,
				ClientID:     c.ID,
				AgentID:      b.Agent,
				IsActive:     b.Active == nil || *b.Active,
				VoiceEnabled: b.Voice == nil || *b.Voice,
			}
			if err := ts.UpsertBinding(ctx, binding); err != nil {
				return stats, err
			}
			stats.Bindings++
		}
	}
	return stats, nil
}
