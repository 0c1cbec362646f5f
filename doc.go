package coordinate

// Package coordinate implements distributed transaction coordination for
// multi-step operations spanning independently failing collaborators.
//
// Sagas coordinate a sequence of remote calls without a global transaction:
// when a step fails, previously completed steps are semantically undone by
// compensation actions, invoked in reverse order. For more on distributed
// sagas, see this 2017 JOTB talk by Caitie McCaffrey:
// https://www.youtube.com/watch?v=0UTOLRTwOX0
//
// Overview
//
//  1. Declare a saga Definition: an ordered list of StepDefinitions, each
//     naming the collaborator (service key), how to build its request from
//     the saga input, and optionally how to build the compensation that
//     undoes it.
//  2. Construct an Orchestrator over a Store, a gateway.Invoker that reaches
//     your collaborators, and a breaker.Manager guarding them.
//  3. Register the definition and call StartSaga (or StartSagaAsync). Each
//     step runs through its collaborator's circuit breaker; results and
//     materialized compensations are persisted before the next step begins.
//  4. On restart, call Recover to resume instances a crash left in RUNNING
//     or COMPENSATING.
//
// Saga lifecycle events are staged to the outbox in the same unit of work as
// the state change they describe, and delivered by outbox.Publisher.
// Client-facing entry points can be wrapped with idempotency.Executor so
// retried requests do not re-execute side effects.
//
// For a complete wiring, see examples/order.
