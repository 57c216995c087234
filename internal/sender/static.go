package sender

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// StaticTemplates is a TemplateProvider backed by an in-memory template
// registry. Placeholders of the form {{key}} are substituted from the
// recipient variables. Suitable for local runs and tests.
type StaticTemplates struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// Template holds the raw subject and body of a registered template.
type Template struct {
	Subject string
	Body    string
}

// NewStaticTemplates constructs an empty registry.
func NewStaticTemplates() *StaticTemplates {
	return &StaticTemplates{templates: make(map[string]Template)}
}

// Register stores or replaces a template under the given id.
func (s *StaticTemplates) Register(id string, tmpl Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[id] = tmpl
}

// Render substitutes recipient variables into the registered template.
func (s *StaticTemplates) Render(_ context.Context, campaignID, templateID string, vars map[string]string) (string, string, error) {
	s.mu.RLock()
	tmpl, ok := s.templates[templateID]
	s.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %s not found for campaign %s", templateID, campaignID)
	}

	pairs := make([]string, 0, len(vars)*2)
	for key, val := range vars {
		pairs = append(pairs, "{{"+key+"}}", val)
	}
	replacer := strings.NewReplacer(pairs...)
	return replacer.Replace(tmpl.Subject), replacer.Replace(tmpl.Body), nil
}

// StaticAudience is an AudienceProvider returning a fixed candidate list
// per campaign. Suitable for local runs and tests.
type StaticAudience struct {
	mu        sync.RWMutex
	audiences map[string][]Candidate
}

// NewStaticAudience constructs an empty audience registry.
func NewStaticAudience() *StaticAudience {
	return &StaticAudience{audiences: make(map[string][]Candidate)}
}

// SetAudience stores or replaces the candidate list for a campaign.
func (s *StaticAudience) SetAudience(campaignID string, candidates []Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audiences[campaignID] = append([]Candidate(nil), candidates...)
}

// Resolve returns the candidates registered for the campaign. An unknown
// campaign resolves to an empty audience, not an error.
func (s *StaticAudience) Resolve(_ context.Context, campaignID string) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Candidate(nil), s.audiences[campaignID]...), nil
}
