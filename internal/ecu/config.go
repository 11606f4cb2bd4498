// Package ecu implements the diagnostic backend for one directly attached
// UDS ECU: it owns the transport, service layer, session manager,
// conversion store, flash engine and subscription manager, and presents the
// full operation set to the HTTP layer.
package ecu

import (
	"github.com/sdv-playground/sovdd/internal/conv"
	"github.com/sdv-playground/sovdd/internal/flash"
	"github.com/sdv-playground/sovdd/internal/session"
	"github.com/sdv-playground/sovdd/internal/subscription"
	"github.com/sdv-playground/sovdd/internal/transport"
	"github.com/sdv-playground/sovdd/internal/uds"
)

// Config declares one ECU backend.
type Config struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	Transport transport.Config `yaml:"transport"`

	// P2Ms / P2StarMs override the response budgets.
	P2Ms     uint64 `yaml:"p2_ms,omitempty"`
	P2StarMs uint64 `yaml:"p2_star_ms,omitempty"`

	ServiceOverrides uds.ServiceOverrides `yaml:"service_overrides,omitempty"`
	Sessions         session.Config       `yaml:"sessions,omitempty"`
	Security         SecurityConfig       `yaml:"security,omitempty"`
	Flash            flash.Config         `yaml:"flash,omitempty"`
	Subscriptions    subscription.Config  `yaml:"subscriptions,omitempty"`

	// Parameters declare the client-facing handles; DefinitionFiles load
	// additional conversion definitions from YAML.
	Parameters      []ParameterConfig `yaml:"parameters,omitempty"`
	DefinitionFiles []string          `yaml:"definition_files,omitempty"`

	Operations []OperationConfig `yaml:"operations,omitempty"`
	Outputs    []OutputConfig    `yaml:"outputs,omitempty"`
}

// SecurityConfig configures the seed/key handshake helper.
type SecurityConfig struct {
	Level uint8 `yaml:"level,omitempty"`
	// Algorithm is "xor" (default) or "aes_cmac".
	Algorithm string `yaml:"algorithm,omitempty"`
	// Secret is the shared secret as lowercase hex.
	Secret string `yaml:"secret,omitempty"`
}

// ParameterConfig declares one data parameter. The DID is written as hex
// ("0xF405" or "F405") or as decimal; a string of digits only is read as
// decimal, so hex without letters needs the 0x prefix. The optional
// definition drives decode/encode and is registered into the conversion
// store at startup. Without a definition the parameter reads as raw hex.
type ParameterConfig struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name,omitempty"`
	Description string           `yaml:"description,omitempty"`
	DID         string           `yaml:"did"`
	Writable    bool             `yaml:"writable,omitempty"`
	Definition  *conv.Definition `yaml:"definition,omitempty"`
}

// OperationConfig declares one routine-backed operation.
type OperationConfig struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name,omitempty"`
	RID             string `yaml:"rid"`
	Description     string `yaml:"description,omitempty"`
	SecurityLevel   uint8  `yaml:"security_level,omitempty"`
	RequiredSession string `yaml:"required_session,omitempty"`
}

// OutputConfig declares one I/O-controllable output.
type OutputConfig struct {
	ID            string           `yaml:"id"`
	Name          string           `yaml:"name,omitempty"`
	IOID          string           `yaml:"ioid"`
	DefaultValue  string           `yaml:"default_value,omitempty"` // hex
	Description   string           `yaml:"description,omitempty"`
	SecurityLevel uint8            `yaml:"security_level,omitempty"`
	Definition    *conv.Definition `yaml:"definition,omitempty"`
}
