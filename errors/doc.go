// Package errors provides the error classification used across psistreams.
//
// Three classes drive handling decisions:
//
//   - Transient: socket and connection failures. The caller logs, drops the offending
//     connection or skips the process, and continues. TCP sources retry until disposed.
//   - Invalid: malformed frames, unknown commands, duplicate connectors, writes to
//     read-only stores. The reader or request ends; nothing is retried.
//   - Fatal: configuration failures such as a topic whose type has no serializer. These
//     are returned from Start and must be fixed before the pipeline can run.
//
// Errors are wrapped with component context in a single format:
//
//	errors.Wrap(err, "TCPSource", "connect", "dial 10.0.0.2:11411")
//	// TCPSource.connect: dial 10.0.0.2:11411 failed: <err>
//
// WrapTransient, WrapInvalid and WrapFatal attach an explicit class that takes precedence
// over sentinel and message based classification.
package errors
