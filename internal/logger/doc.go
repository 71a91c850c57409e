// Package logger wraps zap to give brewkit:
//   - a global sugared logger with a console encoder writing to stderr,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level parsing and configuration,
//   - convenience functions (Infof, ErrorKV, etc.).
//
// Pipeline stages never hold a logger of their own: they pull it from the
// context so each run carries its recipe name and run ID in every line.
package logger
