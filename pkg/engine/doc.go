/*
Package engine defines the core types of the durable workflow runtime.

A Workflow is a resumable computation whose every deterministic step is
recorded as a history Event keyed by its Location in the execution tree.
Wake conditions (immediate, deadline, signal, sub-workflow completion)
enqueue sleeping workflows for execution; a Lease gives one worker instance
exclusive ownership of a workflow for a single execution turn.

The engine/db subpackage persists these types in the ordered KV store and
the engine/worker subpackage executes registered operators against them.
*/
package engine
