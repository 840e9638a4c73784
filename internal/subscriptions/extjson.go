package subscriptions

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// ToExtJSON renders the set as the canonical server-bound document: one entry
// per object class mapping to the sorted disjunction of its distinct queries.
// Two sets with identical logical content render to the same string regardless
// of insertion order.
func (s *SubscriptionSet) ToExtJSON() (string, error) {
	if len(s.subs) == 0 {
		return "{}", nil
	}

	queriesByClass := make(map[string][]string)
	for _, sub := range s.subs {
		queries := queriesByClass[sub.ObjectClassName()]
		if containsString(queries, sub.QueryString()) {
			continue
		}
		queriesByClass[sub.ObjectClassName()] = append(queries, sub.QueryString())
	}

	doc := make(map[string]string, len(queriesByClass))
	for className, queries := range queriesByClass {
		sort.Strings(queries)
		var disjunction strings.Builder
		for i, query := range queries {
			if i > 0 {
				disjunction.WriteString(" OR ")
			}
			disjunction.WriteString("(")
			disjunction.WriteString(query)
			disjunction.WriteString(")")
		}
		doc[className] = disjunction.String()
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	// Query strings go to the server verbatim; HTML-escaping comparison
	// operators would break canonical matching.
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(doc); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
