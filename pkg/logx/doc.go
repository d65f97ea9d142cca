// Package logx is pewflow's structured logger, a thin layer over zerolog.
//
// Components take a Logger and tag it with Component. Task log records
// (internal/tasklog) are replayed through the same Logger with Log so they
// share sinks and levels with component logs. A Service owns the sinks and
// swaps them on config reload; Loggers derived from it follow the swap.
package logx
