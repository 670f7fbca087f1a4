// Package core turns local and remote state into query snapshots.
//
// A View holds the current result of one query and computes the changes
// each new batch of documents makes to it. The EventManager fans view
// snapshots out to the QueryListeners registered for a query, and the
// SyncEngine ties everything together: it allocates watch targets for
// queries, applies remote events and write results to the local store,
// resolves limbo documents, and drives the views.
//
// Everything in this package except the AsyncObserver runs on the async
// queue and is not safe for concurrent use.
package core
