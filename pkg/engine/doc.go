// Package engine defines the contract between the configuration agent and
// its resource providers.
//
// The agent resolves manifests into Resources and calls a Provider for each
// one through Read, Plan, Apply and Destroy. Providers report failures as
// *EngineError values classified by ErrorClass and tagged with a code, so the
// agent can decide what to surface and what to retry. Resolution failures
// are permanent for the current run; only timeouts are transient.
//
// Reconciler drives a list of resources through a ProviderSource, one at a
// time and in order, retrying transient Apply failures with backoff.
//
//	err := engine.NewAmbiguityError("package is ambiguous", cause).
//		WithResource("package/mysql").
//		WithOperation("read")
//
//	if engine.HasCode(err, engine.ErrCodeAmbiguous) {
//		// tell the user to add a category
//	}
package engine
