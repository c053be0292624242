// Package tracing layers task tracing on top of the instrumentation/hooking
// primitives.
//
// Components report the lifecycle of a unit of work, such as one
// translation or one batch, with StartTask, AddTaskStep and EndTask. Tracers
// registered with CollectTrace turn those events into statistics, log lines
// or database rows. When a component has no hooks, the calls return at once.
package tracing
