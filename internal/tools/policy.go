package tools

import (
	"fmt"
	"slices"
)

// Policy gates tool calls. An empty Allow list admits every tool; network
// tools additionally need AllowNetwork.
type Policy struct {
	Allow        []string `yaml:"allow" json:"allow"`
	AllowNetwork bool     `yaml:"allow_network" json:"allowNetwork"`
}

// Check returns nil when spec may run, ErrToolPolicyDenied otherwise.
func (p Policy) Check(spec Spec) error {
	if len(p.Allow) > 0 && !slices.Contains(p.Allow, spec.ID) {
		return fmt.Errorf("%w: tool not allowed: %s", ErrToolPolicyDenied, spec.ID)
	}
	if spec.SideEffects == SideEffectsNetwork && !p.AllowNetwork {
		return fmt.Errorf("%w: network disabled", ErrToolPolicyDenied)
	}
	return nil
}
