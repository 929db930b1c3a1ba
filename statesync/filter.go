package statesync

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/golang/glog"
)

// a field name that is never synchronized, either a literal name or a pattern
type ExcludeRule struct {
	name    string
	pattern *regexp.Regexp
}

func ExcludeName(name string) ExcludeRule {
	return ExcludeRule{
		name: name,
	}
}

func ExcludePattern(expr string) (ExcludeRule, error) {
	pattern, err := regexp.Compile(expr)
	if err != nil {
		return ExcludeRule{}, err
	}
	return ExcludeRule{
		pattern: pattern,
	}, nil
}

func RequireExcludePattern(expr string) ExcludeRule {
	excludeRule, err := ExcludePattern(expr)
	if err != nil {
		panic(err)
	}
	return excludeRule
}

// `/expr/` is a pattern, anything else is a literal field name
func ParseExcludeRule(ruleStr string) (ExcludeRule, error) {
	if 2 <= len(ruleStr) && strings.HasPrefix(ruleStr, "/") && strings.HasSuffix(ruleStr, "/") {
		return ExcludePattern(ruleStr[1 : len(ruleStr)-1])
	}
	if ruleStr == "" {
		return ExcludeRule{}, fmt.Errorf("Empty exclude rule")
	}
	return ExcludeName(ruleStr), nil
}

func (self ExcludeRule) IsPattern() bool {
	return self.pattern != nil
}

func (self ExcludeRule) Matches(fieldName string) bool {
	if self.pattern != nil {
		return self.pattern.MatchString(fieldName)
	}
	return self.name == fieldName
}

func (self ExcludeRule) String() string {
	if self.pattern != nil {
		return fmt.Sprintf("/%s/", self.pattern.String())
	}
	return self.name
}

type transmissibleVerdict struct {
	reference     uintptr
	transmissible bool
}

// decides per top level field whether the field is eligible for synchronization.
// Verdicts for reference values are memoized per field and must be invalidated
// whenever the field is written. The cache is advisory and can be reset at any time.
// Not safe for concurrent use.
type fieldFilter struct {
	schema   *Schema
	excluded map[string]bool

	transmissibleVerdicts map[string]transmissibleVerdict
}

func newFieldFilter(schema *Schema, excludeRules []ExcludeRule) (*fieldFilter, error) {
	excluded := map[string]bool{}
	for _, excludeRule := range excludeRules {
		matched := false
		for _, field := range schema.Fields() {
			if excludeRule.Matches(field.Name) {
				excluded[field.Name] = true
				matched = true
			}
		}
		if !matched {
			if excludeRule.IsPattern() {
				glog.Warningf("[filter]exclude %s matches no declared field\n", excludeRule)
			} else {
				return nil, fmt.Errorf("%w: exclude %s", ErrUnknownField, excludeRule)
			}
		}
	}
	return &fieldFilter{
		schema:                schema,
		excluded:              excluded,
		transmissibleVerdicts: map[string]transmissibleVerdict{},
	}, nil
}

func (self *fieldFilter) IsExcluded(name string) bool {
	return self.excluded[name]
}

// declared fields present in `state` that are eligible, in declaration order
func (self *fieldFilter) EligibleFields(state State) []string {
	names := []string{}
	for _, field := range self.schema.Fields() {
		value, ok := state[field.Name]
		if !ok {
			continue
		}
		if self.Eligible(field, value) {
			names = append(names, field.Name)
		}
	}
	return names
}

func (self *fieldFilter) Eligible(field Field, value any) bool {
	if self.excluded[field.Name] || field.Kind == KindFunc {
		return false
	}
	if value == nil {
		return true
	}
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Func {
		return false
	}
	if isPrimitiveKind(v.Kind()) {
		return true
	}

	reference, hasReference := referenceOf(value)
	if hasReference {
		if verdict, ok := self.transmissibleVerdicts[field.Name]; ok && verdict.reference == reference {
			return verdict.transmissible
		}
	}
	err := classifyValue(v, 0, valuePath{})
	if err != nil {
		glog.V(LogLevelLifecycle).Infof("[filter]%s not transmissible = %s\n", field.Name, err)
	}
	if hasReference {
		self.transmissibleVerdicts[field.Name] = transmissibleVerdict{
			reference:     reference,
			transmissible: err == nil,
		}
	}
	return err == nil
}

func (self *fieldFilter) Invalidate(name string) {
	delete(self.transmissibleVerdicts, name)
}

func (self *fieldFilter) Reset() {
	self.transmissibleVerdicts = map[string]transmissibleVerdict{}
}
