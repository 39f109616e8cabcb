// Package router delivers chat messages from one participant class to all
// three: customers, operators and agents.
//
// # Overview
//
// Every Route call runs one middleware pipeline per destination, concurrently.
// Pipelines are independent: a middleware can veto or rewrite the message for
// one destination without touching the others.
//
//   - customer origin: customer, agent, operator
//   - operator origin: agent, operator, customer
//   - agent origin: agent, operator, customer (always authored by the agent)
//
// # Middleware
//
// A middleware returns the message to pass on, nil to veto it, or an error.
// Errors and panics skip that stage only. A veto does not stop the pipeline:
// later stages run with Context.Vetoed set and may restore a message.
// Delivery to that destination is suppressed only when the message is still
// vetoed after the last stage.
// Middlewares run concurrently across destinations and must copy Meta before
// changing it.
package router
