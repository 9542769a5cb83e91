// Package greeting defines the service variants and the payload each one
// returns from its root endpoint.
package greeting

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Variant selects which greeting the service returns and its default port.
type Variant string

const (
	VariantDocker Variant = "docker"
	VariantPython Variant = "python"
	VariantGo     Variant = "go"
)

// Variants lists every known variant in display order.
var Variants = []Variant{VariantDocker, VariantPython, VariantGo}

var _ pflag.Value = (*Variant)(nil)

// ParseVariant converts a name into a Variant. Matching is case-insensitive.
func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", fmt.Errorf("unknown variant %q: must be one of %s", s, variantNames())
	}
	return v, nil
}

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	for _, known := range Variants {
		if v == known {
			return true
		}
	}
	return false
}

func (v Variant) String() string { return string(v) }

// Set implements pflag.Value.
func (v *Variant) Set(s string) error {
	parsed, err := ParseVariant(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Type implements pflag.Value.
func (v *Variant) Type() string { return "variant" }

func (v *Variant) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return v.Set(s)
}

// DefaultPort is the port the variant listens on when none is configured.
func (v Variant) DefaultPort() int {
	switch v {
	case VariantPython:
		return 8000
	case VariantGo:
		return 8080
	default:
		return 5000
	}
}

// Message is the fixed greeting string for the variant.
func (v Variant) Message() string {
	switch v {
	case VariantPython:
		return "Python Docker Template"
	case VariantGo:
		return "Go Docker Template"
	default:
		return "Hello from Docker!"
	}
}

// Greeting is the root endpoint payload. Field order is the wire key order.
type Greeting struct {
	Message       string `json:"message"`
	PythonVersion string `json:"python_version,omitempty"`
	GoVersion     string `json:"go_version,omitempty"`
	Environment   string `json:"environment"`
	Version       string `json:"version,omitempty"`
}

// New builds the greeting for a variant. The docker variant reports the
// application version; the template variants report the runtime version.
func New(v Variant, environment, version, runtimeVersion string) Greeting {
	g := Greeting{
		Message:     v.Message(),
		Environment: environment,
	}
	switch v {
	case VariantPython:
		g.PythonVersion = runtimeVersion
	case VariantGo:
		g.GoVersion = runtimeVersion
	default:
		g.Version = version
	}
	return g
}

func variantNames() string {
	names := make([]string, len(Variants))
	for i, v := range Variants {
		names[i] = string(v)
	}
	return strings.Join(names, ", ")
}
