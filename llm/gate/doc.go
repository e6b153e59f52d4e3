// Package gate wraps every outbound LLM call in a rate-governed state machine.
//
// A call moves Pending → Waiting → InFlight and ends in Success, or loops
// through Throttled → Waiting until the attempt budget runs out and ends in
// Failed. Proactive waits come from the budget tracker; reactive waits come
// from the exponential backoff policy. All waits suspend only the calling
// goroutine and honour context cancellation.
package gate
