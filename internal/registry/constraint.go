package registry

import (
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/cast"

	"github.com/starford/kiln/internal/apperr"
)

// Rule names reported in violations.
const (
	RuleRequired = "required"
	RuleType     = "type"
	RulePattern  = "pattern"
)

// Constraint restricts the value of one variable. Type and Pattern are
// checked against the value's string form and are skipped for empty values.
type Constraint struct {
	Required bool   `json:"required,omitempty"`
	Type     string `json:"type,omitempty"`
	Pattern  string `json:"pattern,omitempty"`
}

// IsZero reports whether the constraint restricts nothing.
func (c Constraint) IsZero() bool {
	return !c.Required && c.Type == "" && c.Pattern == ""
}

// Validate checks value against every rule of c and returns one violation
// per failed rule. present is false when no source supplied a value.
func (c Constraint) Validate(name string, value any, present bool) []apperr.Violation {
	str := ""
	if present {
		str = Stringify(value)
	}

	var out []apperr.Violation
	add := func(rule string, err error) {
		if err != nil {
			out = append(out, apperr.Violation{Variable: name, Rule: rule, Message: err.Error()})
		}
	}

	if c.Required {
		add(RuleRequired, validation.Validate(str, validation.Required))
	}
	if str == "" {
		return out
	}

	switch c.Type {
	case TypeNumber:
		add(RuleType, validation.Validate(str, is.Float.Error("must be a number")))
	case TypeBoolean:
		add(RuleType, validation.Validate(value, validation.By(isBool)))
	}

	if c.Pattern != "" {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			add(RulePattern, fmt.Errorf("invalid pattern %q: %w", c.Pattern, err))
		} else {
			add(RulePattern, validation.Validate(str,
				validation.Match(re).Error(fmt.Sprintf("must match %s", c.Pattern))))
		}
	}
	return out
}

func isBool(value any) error {
	if _, err := cast.ToBoolE(value); err != nil {
		return fmt.Errorf("must be a boolean")
	}
	return nil
}

// Stringify returns the string form of a variable value.
func Stringify(value any) string {
	if s, err := cast.ToStringE(value); err == nil {
		return s
	}
	return fmt.Sprint(value)
}
