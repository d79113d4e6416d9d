// Package diagnose recovers human-usable errors from failed filtered
// queries. When the upstream rejects a filter like
//
//	$support_group$ = 'IT support group'
//
// the engine resolves whether the attribute is a reference field of the
// queried entity type, enumerates the legal display names for the
// referenced type, and proposes the closest match by normalized edit
// distance. Expressions it cannot diagnose pass through unchanged.
package diagnose
