// Package logx configures sessionjobs' structured logging.
//
// Components log through logx.Logger, a small value type on top of zerolog:
//   - console output is human readable (short timestamp, file:line caller)
//   - the optional file sink writes one JSON object per line
//   - Service.Apply swaps sinks and level at runtime (config hot reload)
//
// The zero Logger is a safe no-op.
package logx
