package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is the configuration-supplied assistant identity: which backend
// assistant to run, the system instructions (plus policy/pricing lines
// appended to them), and the fixed reply texts the orchestrator uses for
// handoff, validation and fallback. Nothing in here is hardcoded logic.
type Persona struct {
	Name         string   `yaml:"name"`
	AssistantID  string   `yaml:"assistantId"`
	Instructions string   `yaml:"instructions"`
	Policy       []string `yaml:"policy,omitempty"`
	Replies      Replies  `yaml:"replies"`
}

type Replies struct {
	Handoff    string `yaml:"handoff"`
	EmptyInput string `yaml:"emptyInput"`
	Fallback   string `yaml:"fallback"`
}

// ExampleYAML is the starter persona written by `chatbridge init`.
const ExampleYAML = `name: parts-desk
assistantId: asst_REPLACE_ME
instructions: |
  You are a parts sales assistant. Answer questions about availability
  and pricing. Keep replies short and concrete.
policy:
  - Quote prices per unit, never per pair.
  - If asked about delivery, say pickup only.
replies:
  handoff: "Thanks! A human will take a look at your files and respond shortly."
  emptyInput: "I received an empty message. Please send some text."
  fallback: "Sorry, something went wrong on my side. Please try again in a moment."
`

// Load reads and validates a persona file.
func Load(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read persona file %s: %w", path, err)
	}

	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("cannot parse persona file %s: %w", path, err)
	}

	if p.AssistantID == "" {
		return nil, fmt.Errorf("persona %s: assistantId is required", path)
	}
	if strings.TrimSpace(p.Instructions) == "" {
		return nil, fmt.Errorf("persona %s: instructions are required", path)
	}

	if p.Replies.Handoff == "" {
		p.Replies.Handoff = "Thanks! A human will take a look at your files and respond shortly."
	}
	if p.Replies.EmptyInput == "" {
		p.Replies.EmptyInput = "I received an empty message. Please send some text."
	}
	if p.Replies.Fallback == "" {
		p.Replies.Fallback = "Sorry, something went wrong on my side. Please try again in a moment."
	}
	return &p, nil
}

// FullInstructions returns the system instructions with the policy lines
// appended, the exact text handed to every run.
func (p *Persona) FullInstructions() string {
	if len(p.Policy) == 0 {
		return p.Instructions
	}
	return p.Instructions + "\n" + strings.Join(p.Policy, "\n")
}
