// Package gridmesh is a distributed message-passing runtime: nodes exchange
// envelopes carrying requests, responses, and notifications through
// pluggable gates, with a persistent transactional queue and a persistent
// job manager layered on top of the same dispatch core.
//
// The runtime is organized as a set of independently importable
// sub-packages:
//
//	import "oss.nandlabs.io/gridmesh/envelope"  // event/envelope model
//	import "oss.nandlabs.io/gridmesh/addr"      // address parsing and registry
//	import "oss.nandlabs.io/gridmesh/sched"     // scheduler and dispatch loop
//	import "oss.nandlabs.io/gridmesh/gate"      // transport gate abstraction
//	import "oss.nandlabs.io/gridmesh/localgate" // in-process gate for single-binary fan-out
//	import "oss.nandlabs.io/gridmesh/handler"   // request/response correlation
//	import "oss.nandlabs.io/gridmesh/pqueue"    // persistent transactional queue
//	import "oss.nandlabs.io/gridmesh/jobmgr"    // persistent job manager
//	import "oss.nandlabs.io/gridmesh/gridsrv"   // node factory and compact server
//
// A handful of ambient packages carried over from this module's origins
// (logging, configuration, collections, object pooling, lifecycle
// management, a local filesystem layer) back those components rather than
// standing on their own.
//
// For a complete list of packages and documentation, see:
// https://pkg.go.dev/oss.nandlabs.io/gridmesh
package gridmesh
