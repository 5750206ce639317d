package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kfrrst/website-sub010/internal/domain"
)

// Config models portal.yml: the phase catalog, service compositions,
// requirements per phase, automation rules and outbound webhooks.
type Config struct {
	Workflow struct {
		Onboarding string `yaml:"onboarding"`
		Wrap       string `yaml:"wrap"`
	} `yaml:"workflow"`
	Phases       []PhaseConfig                  `yaml:"phases"`
	Services     []ServiceConfig                `yaml:"services"`
	Requirements map[string][]RequirementConfig `yaml:"requirements"`
	Automation   struct {
		Rules []RuleConfig `yaml:"rules"`
	} `yaml:"automation"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type PhaseConfig struct {
	Key                  string `yaml:"key"`
	Name                 string `yaml:"name"`
	Description          string `yaml:"description"`
	Category             string `yaml:"category"`
	RequiresClientAction bool   `yaml:"requires_client_action"`
}

type ServiceConfig struct {
	Code   string   `yaml:"code"`
	Name   string   `yaml:"name"`
	Phases []string `yaml:"phases"`
}

type RequirementConfig struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
	Type        string `yaml:"type"`
	Mandatory   bool   `yaml:"mandatory"`
	SortOrder   int    `yaml:"sort_order"`
	Actor       string `yaml:"actor"`
}

type RuleConfig struct {
	From          string `yaml:"from"`
	To            string `yaml:"to"`
	Condition     string `yaml:"condition"`
	ThresholdDays int    `yaml:"threshold_days"`
	Description   string `yaml:"description"`
	Active        *bool  `yaml:"active"`
}

// IsActive defaults to true when the field is omitted.
func (r RuleConfig) IsActive() bool {
	return r.Active == nil || *r.Active
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the catalog is internally consistent.
func (c *Config) Validate() error {
	if len(c.Phases) == 0 {
		return fmt.Errorf("config.phases is required")
	}
	phases := make(map[string]PhaseConfig, len(c.Phases))
	for _, p := range c.Phases {
		if strings.TrimSpace(p.Key) == "" {
			return fmt.Errorf("config.phases contains empty key")
		}
		if _, dup := phases[p.Key]; dup {
			return fmt.Errorf("duplicate phase key %s", p.Key)
		}
		switch domain.PhaseCategory(p.Category) {
		case domain.CategoryOnboarding, domain.CategoryStandard, domain.CategoryWrap:
		case "":
		default:
			return fmt.Errorf("phase %s has unknown category %s", p.Key, p.Category)
		}
		phases[p.Key] = p
	}
	onb, ok := phases[c.Workflow.Onboarding]
	if !ok {
		return fmt.Errorf("config.workflow.onboarding %q is not a known phase", c.Workflow.Onboarding)
	}
	if domain.PhaseCategory(onb.Category) != domain.CategoryOnboarding {
		return fmt.Errorf("config.workflow.onboarding phase %s must have category onboarding", onb.Key)
	}
	wrap, ok := phases[c.Workflow.Wrap]
	if !ok {
		return fmt.Errorf("config.workflow.wrap %q is not a known phase", c.Workflow.Wrap)
	}
	if domain.PhaseCategory(wrap.Category) != domain.CategoryWrap {
		return fmt.Errorf("config.workflow.wrap phase %s must have category wrap", wrap.Key)
	}
	services := map[string]bool{}
	for _, s := range c.Services {
		if strings.TrimSpace(s.Code) == "" {
			return fmt.Errorf("config.services contains empty code")
		}
		if services[s.Code] {
			return fmt.Errorf("duplicate service code %s", s.Code)
		}
		services[s.Code] = true
		for _, key := range s.Phases {
			if _, ok := phases[key]; !ok {
				return fmt.Errorf("service %s references unknown phase %s", s.Code, key)
			}
		}
	}
	for phaseKey, reqs := range c.Requirements {
		if _, ok := phases[phaseKey]; !ok {
			return fmt.Errorf("requirements reference unknown phase %s", phaseKey)
		}
		seen := map[string]bool{}
		for _, r := range reqs {
			if strings.TrimSpace(r.Key) == "" {
				return fmt.Errorf("phase %s has requirement with empty key", phaseKey)
			}
			if seen[r.Key] {
				return fmt.Errorf("phase %s declares requirement %s twice", phaseKey, r.Key)
			}
			seen[r.Key] = true
			if !domain.RequirementType(r.Type).Valid() {
				return fmt.Errorf("requirement %s.%s has unknown type %s", phaseKey, r.Key, r.Type)
			}
			switch domain.Actor(r.Actor) {
			case "", domain.ActorClient, domain.ActorAdmin:
			default:
				return fmt.Errorf("requirement %s.%s has unknown actor %s", phaseKey, r.Key, r.Actor)
			}
		}
	}
	for i, rule := range c.Automation.Rules {
		if _, ok := phases[rule.From]; !ok {
			return fmt.Errorf("automation rule %d references unknown phase %s", i, rule.From)
		}
		if _, ok := phases[rule.To]; !ok {
			return fmt.Errorf("automation rule %d references unknown phase %s", i, rule.To)
		}
		if _, err := domain.ParseCondition(rule.Condition, rule.ThresholdDays); err != nil {
			return fmt.Errorf("automation rule %d: %w", i, err)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "portal.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with portal catalog init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the built-in catalog when
// no portal.yml exists.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in catalog.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workflow:
  onboarding: ONB
  wrap: DLVR

phases:
  - key: ONB
    name: Onboarding
    description: Intake questionnaire and service agreement
    category: onboarding
    requires_client_action: true
  - key: IDEA
    name: Ideation
    description: Creative direction and inspiration gathering
    category: standard
    requires_client_action: true
  - key: DSGN
    name: Design
    description: Studio produces design drafts
    category: standard
  - key: REV
    name: Review
    description: Client reviews drafts and requests revisions
    category: standard
    requires_client_action: true
  - key: PROD
    name: Production
    description: Final assets are produced
    category: standard
  - key: PAY
    name: Payment
    description: Final invoice is settled
    category: standard
    requires_client_action: true
  - key: SIGN
    name: Sign-off
    description: Client signs off on the finished work
    category: standard
    requires_client_action: true
  - key: DLVR
    name: Delivery
    description: Files are handed over and the project is wrapped
    category: wrap
  - key: PREP
    name: Print Prep
    description: Separations, screens and proof approval
    category: standard
    requires_client_action: true
  - key: PRINT
    name: Printing
    description: Print run on press
    category: standard
  - key: DEV
    name: Development
    description: Site build and content load
    category: standard
  - key: LAUNCH
    name: Launch
    description: Go-live or pickup, final payment and handover
    category: wrap
    requires_client_action: true

services:
  - code: SP
    name: Screen Printing
    phases: [ONB, IDEA, PREP, PRINT, LAUNCH]
  - code: WEB
    name: Website Design
    phases: [ONB, IDEA, DSGN, REV, DEV, PAY, LAUNCH]
  - code: LOGO
    name: Logo Design
    phases: [ONB, IDEA, DSGN, REV, PAY, SIGN, DLVR]
  - code: BRAND
    name: Brand Identity
    phases: [ONB, IDEA, DSGN, REV, PROD, PAY, SIGN, DLVR]

requirements:
  ONB:
    - key: intake_form
      description: Complete the project intake questionnaire
      type: form
      mandatory: true
      sort_order: 1
    - key: service_agreement
      description: Sign the service agreement
      type: signature
      mandatory: true
      sort_order: 2
    - key: kickoff_call
      description: Kickoff call held
      type: manual
      sort_order: 3
  IDEA:
    - key: ideation_questionnaire
      description: Share goals, audience and style preferences
      type: form
      mandatory: true
      sort_order: 1
    - key: inspiration_upload
      description: Upload inspiration references
      type: form
      sort_order: 2
  DSGN:
    - key: design_drafts_uploaded
      description: Design drafts uploaded for review
      type: manual
      mandatory: true
      sort_order: 1
  REV:
    - key: design_approval
      description: Approve the selected design
      type: review
      mandatory: true
      sort_order: 1
    - key: revision_notes
      description: Submit revision notes
      type: form
      sort_order: 2
  PROD:
    - key: production_complete
      description: Final assets produced
      type: manual
      mandatory: true
      sort_order: 1
  PAY:
    - key: final_payment
      description: Pay the final invoice
      type: payment
      mandatory: true
      sort_order: 1
  SIGN:
    - key: final_signoff
      description: Sign off on the completed work
      type: signature
      mandatory: true
      sort_order: 1
  DLVR:
    - key: files_delivered
      description: Final files delivered to the client
      type: manual
      mandatory: true
      sort_order: 1
    - key: feedback_survey
      description: Tell us how the project went
      type: form
      sort_order: 2
  PREP:
    - key: print_proof_approval
      description: Approve the print proof
      type: review
      mandatory: true
      sort_order: 1
    - key: garment_counts
      description: Confirm sizes and quantities
      type: form
      mandatory: true
      sort_order: 2
  PRINT:
    - key: print_run_complete
      description: Print run finished and quality checked
      type: manual
      mandatory: true
      sort_order: 1
  DEV:
    - key: site_build_complete
      description: Site built and content loaded
      type: manual
      mandatory: true
      sort_order: 1
    - key: content_upload
      description: Provide page copy and images
      type: form
      mandatory: true
      sort_order: 2
  LAUNCH:
    - key: final_payment
      description: Pay the final invoice
      type: payment
      mandatory: true
      sort_order: 1
    - key: handover_confirmed
      description: Handover or pickup confirmed
      type: manual
      mandatory: true
      sort_order: 2

automation:
  rules:
    - {from: ONB, to: IDEA, condition: all_actions_complete, description: "Onboarding complete"}
    - {from: IDEA, to: DSGN, condition: all_actions_complete, description: "Ideation complete"}
    - {from: IDEA, to: PREP, condition: all_actions_complete, description: "Ideation complete"}
    - {from: DSGN, to: REV, condition: manual_only, description: "Studio releases drafts for review"}
    - {from: REV, to: PROD, condition: all_actions_complete, description: "Design approved"}
    - {from: REV, to: DEV, condition: all_actions_complete, description: "Design approved"}
    - {from: REV, to: PAY, condition: all_actions_complete, description: "Design approved"}
    - {from: PROD, to: PAY, condition: all_actions_complete, description: "Production complete"}
    - {from: DEV, to: PAY, condition: all_actions_complete, description: "Build complete"}
    - {from: PAY, to: SIGN, condition: payment_received, description: "Final payment received"}
    - {from: PAY, to: LAUNCH, condition: payment_received, description: "Final payment received"}
    - {from: SIGN, to: DLVR, condition: all_actions_complete, description: "Client signed off"}
    - {from: PREP, to: PRINT, condition: all_actions_complete, description: "Proof approved"}
    - {from: PRINT, to: LAUNCH, condition: all_actions_complete, description: "Print run complete"}
    - {from: REV, to: PROD, condition: time_elapsed, threshold_days: 14, description: "Review window elapsed", active: false}
`
