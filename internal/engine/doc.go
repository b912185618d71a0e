// Package engine implements the decision orchestrator.
//
// The engine decides every mediated file access: opens held by the kernel
// (via the fanotify listeners) and explicit RequestAccess / CheckTransfer
// calls from the local API. It owns the decision cache, the active rule set
// and the table of lifeline grants.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// All state lives on the goroutine running Run. Other goroutines only
// enqueue Events. Slow steps never block the loop: store operations run on
// the store goroutine, remote policy calls and filesystem walks on
// short-lived goroutines, and each posts an event with its result that
// resumes the request it belongs to.
//
// Open path:
//  1. Own pid: ALLOW.
//  2. Store not ready: ALLOW, counted as store_not_ready.
//  3. No provenance entry: ALLOW (not DLP-relevant).
//  4. A live grant covers (file, pid): ALLOW.
//  5. Remote IsFileRestricted: restricted or any error DENY.
//
// Access / transfer path:
//  1. Resolve paths to file ids, dropping those that cannot be resolved.
//  2. Drop files without a provenance entry.
//  3. System component destination: ALLOW.
//  4. Cached BLOCK short-circuits to DENY; other final verdicts are reused.
//  5. Remaining files go to one IsTransferRestricted call. Results are
//     cached. ALLOW iff no file is BLOCK or WARN_CANCEL; an error DENYs.
//  6. RequestAccess with a lifeline creates a Grant on ALLOW.
//
// Failure policy: opens fail open when the file cannot be identified or the
// store is starting, and fail closed when the policy service cannot answer.
package engine
