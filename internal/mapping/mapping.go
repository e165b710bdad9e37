// Package mapping holds the read-only document-type to destination lookup.
// It is built once at startup from configuration and passed by reference;
// there is no hidden global cache.
package mapping

import (
	"fmt"
	"strings"

	"ecmigrate/internal/config"
)

// Rule is the destination placement for one document type
type Rule struct {
	DocType      string
	TargetFolder string
	Category     string
}

// Lookup resolves document types to destination placement rules
type Lookup struct {
	rules map[string]Rule
}

// NewLookup builds a lookup from configuration rules. Duplicate document
// types are rejected so a misconfigured mapping fails at startup.
func NewLookup(rules []config.MappingRule) (*Lookup, error) {
	m := make(map[string]Rule, len(rules))
	for _, r := range rules {
		key := strings.ToUpper(strings.TrimSpace(r.DocType))
		if key == "" {
			return nil, fmt.Errorf("mapping: rule with empty doc_type")
		}
		if r.TargetFolder == "" {
			return nil, fmt.Errorf("mapping: rule for %s has no target_folder", r.DocType)
		}
		if _, dup := m[key]; dup {
			return nil, fmt.Errorf("mapping: duplicate rule for doc type %s", r.DocType)
		}

		m[key] = Rule{
			DocType:      key,
			TargetFolder: strings.Trim(r.TargetFolder, "/"),
			Category:     r.Category,
		}
	}

	return &Lookup{rules: m}, nil
}

// Resolve returns the placement rule for a document type.
func (l *Lookup) Resolve(docType string) (Rule, bool) {
	r, ok := l.rules[strings.ToUpper(strings.TrimSpace(docType))]
	return r, ok
}

// Len returns the number of configured rules.
func (l *Lookup) Len() int {
	return len(l.rules)
}
