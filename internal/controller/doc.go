// Package controller implements the lifecycle of a hosted service.
//
// Overview
// The Controller owns every runtime component: the audit sink, the
// script host, the execution serializer, and the armed trigger
// sources. Start walks the startup sequence and leaves the service
// running; Stop walks it back down; Run combines both around a
// context.
//
// Data flow:
//
//	Controller                 sources                  serializer        host
//	    |                         |                         |              |
//	Start -> Open, RunBegin ------------------------------------------------>
//	    |    arm timer --------->| tick ------------------->|              |
//	    |    arm agent --------->| message ---------------->| RunProcess -->
//	Stop  -> disarm sources ---->|                          | (drain)      |
//	    |    RunEnd, Close ------------------------------------------------->
//
// Invariants:
//   - Status transitions follow StartPending → Running → StopPending →
//     Stopped, or jump straight to Stopped with a nonzero exit code.
//   - Every transition pushes a whole status record synchronously.
//   - Begin runs before any trigger is armed; End runs after every
//     source is disarmed, never concurrently with a process
//     invocation.
//   - A startup failure is fatal: no retry, terminal Stopped status.
//   - Stop is cooperative. The in-flight invocation is waited for,
//     bounded by the wait hint; past that a warning is logged and
//     shutdown proceeds. No goroutine is ever forcibly terminated.
package controller
