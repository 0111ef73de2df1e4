package util

import (
	"fmt"
	"strings"
)

// EnumFlag implements the pflag.Value interface to provide enumerated command
// line parameter values.
type EnumFlag struct {
	selected string
	vs       []string
}

// NewEnumFlag returns a new EnumFlag that has a defaultValue and vs enumerated
// values.
func NewEnumFlag(defaultValue string, vs []string) *EnumFlag {
	return &EnumFlag{selected: defaultValue, vs: vs}
}

// String returns the currently selected value.
func (ef *EnumFlag) String() string {
	return ef.selected
}

// Set updates the currently selected value as long as it is one of the
// enumerated values, otherwise it returns an error.
func (ef *EnumFlag) Set(s string) error {
	for _, v := range ef.vs {
		if v == s {
			ef.selected = s
			return nil
		}
	}
	return fmt.Errorf("invalid value %q, expected one of [%s]", s, strings.Join(ef.vs, ", "))
}

// Type returns a string representation of the EnumFlag type.
func (*EnumFlag) Type() string {
	return "enum"
}
