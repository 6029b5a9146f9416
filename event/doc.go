// Package event validates and classifies inbound gateway payloads.
//
// A payload is accepted when it is a JSON object whose string "type" field
// names an entry of the configured Catalog. The catalog decides whether the
// event is a fire-and-forget notification or a command that waits for a reply.
//
//	catalog := event.DefaultCatalog()
//	v := event.NewValidator(catalog)
//	evt, err := v.Validate(body)
//	if errors.Is(err, event.ErrInvalidType) {
//		// reject
//	}
package event
