package autosave

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/tonimelisma/autosave/internal/entity"
)

// RuleValidator checks edited field values against per-field validator
// tags (e.g. "gte=0,lte=9999" or "required,max=64") before they are
// accepted into the in-memory state. Fields without a rule are not checked.
type RuleValidator struct {
	validate *validator.Validate
	rules    map[string]string
}

// NewRuleValidator compiles rules, mapping field name to validator tag. An
// unknown tag is reported here rather than at edit time.
func NewRuleValidator(rules map[string]string) (*RuleValidator, error) {
	v := &RuleValidator{
		validate: validator.New(),
		rules:    make(map[string]string, len(rules)),
	}

	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		tag := rules[name]
		if err := v.compile(tag); err != nil {
			return nil, fmt.Errorf("autosave: validation rule for field %q: %w", name, err)
		}

		v.rules[name] = tag
	}

	return v, nil
}

// compile parses tag once so a malformed rule surfaces as an error. The
// validator library panics on undefined tags.
func (v *RuleValidator) compile(tag string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid tag %q: %v", tag, r)
		}
	}()

	// Only tag parsing matters here, not the result for the sample value.
	_ = v.validate.Var("", tag)

	return nil
}

// Check validates every ruled field present in patch. It returns the first
// violation as an *entity.ValidationError; nil values are not checked.
func (v *RuleValidator) Check(key entity.Key, patch entity.Fields) error {
	if v == nil || len(v.rules) == 0 {
		return nil
	}

	for _, f := range patch.All() {
		tag, ok := v.rules[f.Name]
		if !ok || f.Value == nil {
			continue
		}

		if err := v.checkValue(f.Value, tag); err != nil {
			return &entity.ValidationError{Key: key, Field: f.Name, Value: f.Value, Rule: tag}
		}
	}

	return nil
}

func (v *RuleValidator) checkValue(value any, tag string) (err error) {
	defer func() {
		// Type-mismatched rules (e.g. numeric bounds on a bool) panic.
		if r := recover(); r != nil {
			err = fmt.Errorf("rule %q not applicable: %v", tag, r)
		}
	}()

	return v.validate.Var(value, tag)
}
