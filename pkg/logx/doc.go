// Package logx is jobd's structured logging, a thin layer over zerolog.
//
// Loggers handed out by a Service stay valid across Service.Apply, so a
// config reload can change the level or sinks without re-plumbing every
// component that holds a Logger.
package logx
