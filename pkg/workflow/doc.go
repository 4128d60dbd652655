/*
Package workflow builds and advances acyclic task graphs.

Definitions name tasks and edges symbolically; Build validates uniqueness,
edge resolution, and acyclicity (DFS), then mints ids for atomic submission
through the store. A cycle anywhere fails the whole build so no partial
graph is ever persisted.

The engine listens on the completion channel. When a task resolves, each
dependent is re-evaluated:

  - wait-for-all: ready when every parent is COMPLETED.
  - wait-for-any: ready when at least one parent is COMPLETED.
  - sequential: wait-for-all restricted to one parent, enforced at build.

A ready child with a condition evaluates it against {parent-name -> result};
a false condition resolves the child as skipped (COMPLETED with the flag),
which still satisfies its own dependents. Terminal parent failure propagates
to children as FAILED with "Parent task <id> failed", transitively, via each
child's own published completion.

All child transitions ride the lifecycle machine's conditional updates, so
duplicate or concurrent completions enqueue a child exactly once.

Templates are parameterized definitions stored in the broker fabric;
instantiation substitutes {{param}} placeholders in args and kwargs and
yields a fresh definition for submission. Deleting a template leaves
already-submitted workflows untouched.
*/
package workflow
