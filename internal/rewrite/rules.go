package rewrite

import (
	"errors"
	"fmt"
	"strings"
)

// Rules decides which class declarations receive the coverage-exclusion
// attribute. The zero value matches nothing; start from DefaultRules.
type Rules struct {
	// TestMarkers are matched case-insensitively as substrings of attribute
	// names, so "TestClass" also matches "TestClassAttribute" and
	// "Microsoft.VisualStudio.TestTools.UnitTesting.TestClass".
	TestMarkers []string

	// BaseTypePrefixes are matched ordinally against the start of each
	// rendered base type name.
	BaseTypePrefixes []string

	// ExclusionMarker is matched case-insensitively as a substring of
	// attribute names. A class carrying it is never touched.
	ExclusionMarker string

	// Attribute is the attribute name inserted, without brackets.
	Attribute string
}

// DefaultRules returns the stock rule set.
func DefaultRules() Rules {
	return Rules{
		TestMarkers: []string{"TestClass"},
		BaseTypePrefixes: []string{
			"DefaultDataGridConfigurationBase",
			"IDefaultButtonPane",
			"PresentationMetadataBase",
			"DefaultColorConfigurationBase",
			"DefaultDataAreaConfigurationBase",
		},
		ExclusionMarker: "ExcludeFromCodeCoverage",
		Attribute:       "System.Diagnostics.CodeAnalysis.ExcludeFromCodeCoverage",
	}
}

// Validate reports configuration that would break idempotence: the inserted
// attribute must itself be recognised as the exclusion marker, otherwise a
// second run would insert it again.
func (r Rules) Validate() error {
	if strings.TrimSpace(r.ExclusionMarker) == "" {
		return errors.New("rewrite: exclusion marker is empty")
	}
	if strings.TrimSpace(r.Attribute) == "" {
		return errors.New("rewrite: attribute is empty")
	}
	if strings.ContainsAny(r.Attribute, "[]\r\n") {
		return fmt.Errorf("rewrite: attribute %q must be a bare name", r.Attribute)
	}
	if !containsFold(r.Attribute, r.ExclusionMarker) {
		return fmt.Errorf("rewrite: attribute %q does not contain exclusion marker %q", r.Attribute, r.ExclusionMarker)
	}
	return nil
}

// Excluded reports whether c already carries the exclusion marker.
func (r Rules) Excluded(c Class) bool {
	for _, name := range c.Attributes {
		if containsFold(name, r.ExclusionMarker) {
			return true
		}
	}
	return false
}

// Qualifies reports whether c is a test class or derives from a recognised
// base type, along with the reason. It does not look at the exclusion marker.
func (r Rules) Qualifies(c Class) (string, bool) {
	for _, name := range c.Attributes {
		for _, marker := range r.TestMarkers {
			if marker != "" && containsFold(name, marker) {
				return "test-marker:" + marker, true
			}
		}
	}
	for _, base := range c.BaseTypes {
		for _, prefix := range r.BaseTypePrefixes {
			if prefix != "" && strings.HasPrefix(base, prefix) {
				return "base-type:" + prefix, true
			}
		}
	}
	return "", false
}

// Decide applies the full insertion rule: qualifies and not yet excluded.
func (r Rules) Decide(c Class) (string, bool) {
	if r.Excluded(c) {
		return "", false
	}
	return r.Qualifies(c)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
