package mqtmodels

import (
	"fmt"
	"strings"
)

// DerivedRule computes Output as the product of Inputs.
type DerivedRule struct {
	Output string   `json:"output" yaml:"output"`
	Inputs []string `json:"inputs" yaml:"inputs"`
}

// DefaultDerivedRules covers the single-channel payload (voltage, current)
// and the two-channel payload published by the ESP32 firmware.
func DefaultDerivedRules() []DerivedRule {
	return []DerivedRule{
		{Output: "power", Inputs: []string{"voltage", "current"}},
		{Output: "power1", Inputs: []string{"voltage", "current1"}},
		{Output: "power2", Inputs: []string{"voltage", "current2"}},
	}
}

// ParseDerivedRule parses "power=voltage*current".
func ParseDerivedRule(s string) (DerivedRule, error) {
	out, expr, ok := strings.Cut(s, "=")
	out = strings.TrimSpace(out)
	if !ok || out == "" {
		return DerivedRule{}, fmt.Errorf("derived rule %q: expected output=a*b", s)
	}
	var inputs []string
	for _, in := range strings.Split(expr, "*") {
		in = strings.TrimSpace(in)
		if in == "" {
			return DerivedRule{}, fmt.Errorf("derived rule %q: empty input", s)
		}
		inputs = append(inputs, in)
	}
	if len(inputs) < 2 {
		return DerivedRule{}, fmt.Errorf("derived rule %q: need at least two inputs", s)
	}
	return DerivedRule{Output: out, Inputs: inputs}, nil
}

func (r DerivedRule) String() string {
	return r.Output + "=" + strings.Join(r.Inputs, "*")
}
