// Package logx is a thin structured-logging layer over zerolog.
//
// Components receive a Logger tagged with a fixed "comp" field via With().
// The Service owns the sinks (console, optional JSON file) and can swap
// levels and outputs at runtime through Apply(), so a config reload changes
// log verbosity without restarting the process.
package logx
