package smtp

import "errors"

// errLineTooLong is returned by stream.readLine when a command line (outside DATA) exceeds
// Config.MaxLineBytes. Every other rejection in this package (bad sequence, too many
// recipients, oversized message, already-encrypted STARTTLS) is a protocol-level condition
// with its own reply code and is reported directly via a Message rather than a sentinel
// error, since the caller's only valid response in those cases is "write this reply and
// possibly close" — there is no second error-handling path that needs to distinguish them.
var errLineTooLong = errors.New("smtp: command line exceeds maximum length")
