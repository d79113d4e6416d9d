// Package tools maps protocol operation names to handlers over the
// upstream service-desk API.
//
// The registry is the uniform "invoke named operation with arguments"
// contract the protocol engine dispatches through; the record tools are
// thin request/response translators over the upstream client. Handlers
// that receive an upstream rejection on a filtered query consult the
// diagnostic engine before surfacing the error.
package tools
