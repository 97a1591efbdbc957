package app

import (
	cliflag "k8s.io/component-base/cli/flag"
)

// NamedFlagSetOptions is implemented by a command's option tree.
type NamedFlagSetOptions interface {
	// Flags returns the option groups as named flag sets.
	Flags() cliflag.NamedFlagSets

	// Complete fills in defaults that depend on other options.
	Complete() error

	// Validate reports every invalid option.
	Validate() error
}
