// Package logx configures tgpro's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional observer sink (min-level + rate limiting) that streams records
//     to websocket clients on the "logs" channel
package logx
