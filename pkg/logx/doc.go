// Package logx is a thin structured-logging facade over zerolog.
//
// Components accept a logx.Logger value; the zero value and Nop() are safe
// no-op loggers, so wiring a logger is always optional in tests.
package logx
