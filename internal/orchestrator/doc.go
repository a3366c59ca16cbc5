// Package orchestrator drives a request through the workflow graph.
//
// # Graph
//
//	init → route_task → real_time_compliance_check
//	  → [dynamic_interrupt_handler] → compliance_gate_initial
//	  → execute_user_subgraph | execute_platform_subgraph
//	  → stream_progress → compliance_gate_results
//	  → [human_review_checkpoint] → finalize
//
// Any node can divert to handle_error. finalize and handle_error are
// terminal. Edges live in a transition table keyed by (node, condition),
// compiled and checked once when the Service is built.
//
// # Runs
//
// A run owns its WorkflowState exclusively. Runs that share a session id are
// serialized; different sessions run concurrently. A node that returns an
// error or panics is recorded in agent_errors and warnings and the run moves
// to handle_error, so ProcessRequest always returns an envelope.
//
// Every transition publishes to the stream bus. With debug mode on, every
// transition also writes a checkpoint; every run writes one terminal
// checkpoint regardless.
package orchestrator
