// Package emulator is an in-memory backend that speaks docsync's wire
// protocol. It serves the listen and write streams as websockets and the
// commit and batchGet RPCs as JSON over HTTP, so the client can be run and
// tested without a real database.
//
// Every commit gets a version strictly after the previous one. Listen
// streams recompute their targets after each commit and send what changed,
// followed by a global snapshot at the commit version. Resumed targets only
// receive documents changed since their resume token plus an existence
// filter, which lets the client drop documents it missed being deleted.
package emulator
