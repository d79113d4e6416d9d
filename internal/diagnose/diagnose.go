// ABOUTME: Reference-value diagnostic engine for failed filtered queries.
// ABOUTME: Resolves reference attributes via cached templates and enriches 400s with candidates.

package diagnose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/2389/helpdesk-gateway/internal/cache"
	"github.com/2389/helpdesk-gateway/internal/upstream"
)

const (
	// referenceValuesTTL is fixed and intentionally shorter than the
	// template TTL; reference data churns more than schemas.
	referenceValuesTTL = 5 * time.Minute

	// DefaultValueLimit caps how many reference values are fetched per
	// referenced type when the config does not say otherwise.
	DefaultValueLimit = 200
	maxValueLimit     = 500

	// maxListedCandidates bounds how many names the composed message lists.
	maxListedCandidates = 20
)

// referenceFilterRe extracts the first $attribute$ = 'literal' clause.
// More complex expressions are not diagnosed.
var referenceFilterRe = regexp.MustCompile(`\$([A-Za-z0-9_]+)\$\s*=\s*'([^']*)'`)

// referenceFilterMatch is the attribute/literal pair pulled from a filter.
type referenceFilterMatch struct {
	attribute string
	value     string
}

// parseReferenceFilter returns the first equality clause of a filter
// expression, if it has one.
func parseReferenceFilter(filter string) (referenceFilterMatch, bool) {
	m := referenceFilterRe.FindStringSubmatch(filter)
	if m == nil {
		return referenceFilterMatch{}, false
	}
	return referenceFilterMatch{attribute: m[1], value: m[2]}, true
}

// ReferenceMismatchError replaces a raw upstream rejection with the
// attempted literal, the legal candidate names, and a suggestion.
type ReferenceMismatchError struct {
	Attribute  string
	Value      string
	Candidates []string
	Omitted    int
	Suggestion string
}

func (e *ReferenceMismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%q is not a valid value for %s.", e.Value, e.Attribute)
	if len(e.Candidates) > 0 {
		b.WriteString(" Available values: ")
		b.WriteString(strings.Join(e.Candidates, ", "))
		if e.Omitted > 0 {
			fmt.Fprintf(&b, " (and %d more)", e.Omitted)
		}
		b.WriteString(".")
	}
	if e.Suggestion != "" {
		fmt.Fprintf(&b, " Did you mean %q?", e.Suggestion)
	}
	return b.String()
}

// API is the slice of the upstream client the engine needs.
type API interface {
	GetTemplate(ctx context.Context, entityType string) (*upstream.Template, error)
	ListReferenceValues(ctx context.Context, referenceType string, limit int) ([]string, error)
}

// Config wraps Engine constructor inputs.
type Config struct {
	API         API
	Registry    *cache.Registry
	TemplateTTL time.Duration
	ValueLimit  int
	Logger      *slog.Logger
}

// Engine turns undiagnosable upstream rejections into themselves and
// diagnosable ones into ReferenceMismatchErrors.
type Engine struct {
	api         API
	templates   *cache.Cache[*upstream.Template]
	values      *cache.Cache[[]string]
	templateTTL time.Duration
	valueLimit  int
	logger      *slog.Logger
}

// New creates a diagnostic engine with its two caches registered on the
// given registry.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.ValueLimit
	if limit <= 0 {
		limit = DefaultValueLimit
	}
	if limit > maxValueLimit {
		limit = maxValueLimit
	}
	templateTTL := cfg.TemplateTTL
	if templateTTL == 0 {
		templateTTL = time.Hour
	}
	return &Engine{
		api:         cfg.API,
		templates:   cache.New[*upstream.Template](cfg.Registry, "templates"),
		values:      cache.New[[]string](cfg.Registry, "reference-values"),
		templateTTL: templateTTL,
		valueLimit:  limit,
		logger:      logger.With("component", "diagnose"),
	}
}

// Enrich inspects a failed filtered query. When the failure is a client
// error whose filter references a known reference attribute with an
// unmatched literal, it returns a ReferenceMismatchError; in every other
// case the original error passes through unchanged.
func (e *Engine) Enrich(ctx context.Context, entityType, filter string, origErr error) error {
	var apiErr *upstream.APIError
	if !errors.As(origErr, &apiErr) || !apiErr.IsClientError() {
		return origErr
	}

	match, ok := parseReferenceFilter(filter)
	if !ok {
		return origErr
	}

	tmpl, err := e.template(ctx, entityType)
	if err != nil {
		e.logger.Debug("template lookup failed, passing original error through",
			"entity_type", entityType,
			"error", err)
		return origErr
	}

	field, ok := tmpl.Field(match.attribute)
	if !ok || !field.IsReference() {
		return origErr
	}

	names, err := e.referenceValues(ctx, field.ReferenceType)
	if err != nil {
		e.logger.Debug("reference value lookup failed, passing original error through",
			"reference_type", field.ReferenceType,
			"error", err)
		return origErr
	}
	if len(names) == 0 {
		return origErr
	}

	// An exact match would have made the query succeed; nothing to diagnose.
	for _, name := range names {
		if strings.EqualFold(name, match.value) {
			return origErr
		}
	}

	listed := names
	omitted := 0
	if len(listed) > maxListedCandidates {
		omitted = len(listed) - maxListedCandidates
		listed = listed[:maxListedCandidates]
	}

	suggestion, _ := FindSimilarMatch(match.value, names)

	e.logger.Info("enriched filter rejection with reference candidates",
		"entity_type", entityType,
		"attribute", match.attribute,
		"candidates", len(names),
		"suggested", suggestion != "")

	return &ReferenceMismatchError{
		Attribute:  match.attribute,
		Value:      match.value,
		Candidates: listed,
		Omitted:    omitted,
		Suggestion: suggestion,
	}
}

// template fetches an entity-type schema, memoized with the template TTL.
func (e *Engine) template(ctx context.Context, entityType string) (*upstream.Template, error) {
	if tmpl, ok := e.templates.Get(entityType); ok {
		return tmpl, nil
	}
	tmpl, err := e.api.GetTemplate(ctx, entityType)
	if err != nil {
		return nil, err
	}
	e.templates.Set(entityType, tmpl, e.templateTTL)
	return tmpl, nil
}

// referenceValues fetches the display names for a referenced type,
// memoized for a short fixed TTL under a type+limit composite key.
func (e *Engine) referenceValues(ctx context.Context, referenceType string) ([]string, error) {
	key := referenceType + ":" + strconv.Itoa(e.valueLimit)
	if names, ok := e.values.Get(key); ok {
		return names, nil
	}
	names, err := e.api.ListReferenceValues(ctx, referenceType, e.valueLimit)
	if err != nil {
		return nil, err
	}
	e.values.Set(key, names, referenceValuesTTL)
	return names, nil
}
