// Package pipeline provides the ordered interception pipeline.
//
// A Pipeline wraps a terminal handler (usually a model call) with an ordered
// list of stages. Each stage may implement any of the optional hooks declared
// in package ports: HaltsWith, Before and After.
//
// # Execution order
//
// For stages [A, B] an invocation runs:
//
//	A.HaltsWith, A.Before, B.HaltsWith, B.Before, handler, B.After, A.After
//
// A stage counts as entered once its Before hook (or the identity, when it
// has none) returns without error. Every entered stage sees exactly one After
// call, including on halted and failed invocations, where the After hooks of
// the entered stages receive a synthesized abort response in reverse order of
// entry. A stage that halts is never entered.
//
// # Errors
//
// Halts, stage failures and handler failures are reported as *Error with a
// Kind. Failures raised by After hooks while unwinding are attached to
// Error.Suppressed and never replace the primary cause.
//
// # Webhook Contract
//
// WebhookStage delegates the decision to an external service:
//
//	POST <webhook_url>
//	Content-Type: application/json
//
//	{
//	  "phase": "request" | "response",
//	  "request": { ... },
//	  "response": { ... },  // only in the response phase
//	  "metadata": { "request_id": "...", ... }
//	}
//
// Response:
//
//	{
//	  "action": "allow" | "deny" | "mutate",
//	  "request": { ... },      // if mutating request
//	  "response": { ... },     // if mutating response
//	  "deny_reason": "..."     // if denying
//	}
package pipeline
