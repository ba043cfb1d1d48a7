// Package dispatch turns method-channel calls into native scans and routes
// the host's asynchronous outcomes back to the call that started them.
//
// A call moves through two independent asynchronous steps:
//   - prepare: the engine turns scanner options into a launchable action
//   - deliver: the host later reports the outcome for the action's token
//
// The operation is registered between the two, before the launch, so an
// outcome can never arrive for a token the registry has not seen. Each step
// cleans up after its own failures:
//   - unknown method → not implemented
//   - no attached context → ActivityNotAvailable, nothing registered
//   - same kind already in flight (per_kind correlation) → OperationAlreadyInProgress
//   - prepare failure → ScanFailed, nothing registered
//   - launch failure → deregistered, ScanFailed
//   - outcome of the wrong shape or empty → ScanFailed
//   - translation panic or undecodable payload → ScanProcessingError
//   - context destroyed → every pending operation gets ActivityDetached
//   - pending_timeout elapsed (when enabled) → ScanFailed
//
// A result for an unknown or already-resolved token is logged and dropped.
package dispatch
