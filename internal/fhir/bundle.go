package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Bundle represents a FHIR searchset Bundle as returned by the EHR.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// NextLink returns the URL of the link with relation "next", or "".
func (b *Bundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// DecodeEntries unmarshals each entry resource into T. Entries without a
// resource are skipped.
func DecodeEntries[T any](entries []BundleEntry) ([]T, error) {
	out := make([]T, 0, len(entries))
	for i, e := range entries {
		if len(e.Resource) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(e.Resource, &v); err != nil {
			return nil, fmt.Errorf("decode entry %d (%s): %w", i, e.FullURL, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ReferenceID returns the last path segment of a reference string, so
// "Practitioner/123" yields "123". An empty reference yields "".
func ReferenceID(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
