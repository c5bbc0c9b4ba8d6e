package mcp

import "fmt"

// ToolNotFoundError reports a routed tool name no connected provider
// declares. It is surfaced into the requesting node's conversation as a
// tool-result error; it never aborts a run.
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found in any provider", e.Tool)
}

// ProviderStartError reports a single provider that failed to install,
// launch or initialize. Start logs it and excludes the provider from
// the catalog; the remaining providers still come up.
type ProviderStartError struct {
	Provider string
	Err      error
}

func (e *ProviderStartError) Error() string {
	return fmt.Sprintf("provider %q failed to start: %v", e.Provider, e.Err)
}

func (e *ProviderStartError) Unwrap() error { return e.Err }
