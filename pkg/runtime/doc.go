/*
Package runtime executes one claimed operation end-to-end on a worker.

The contract for Execute: every declared output transitions to ready (with
bytes) or error (with an ErrorRecord), the operation transitions to done or
error in the same atomic commit, and dependents that became runnable are
enqueued. A nil return means a terminal status was committed; a non-nil
return means infrastructure failure and the caller releases the claim for
reclaim.

# Dispatch

Shell operations run inside a private scratch directory: inputs appear as
files named after their slots, commands run in sequence via /bin/sh, each
command's stdout and stderr become stdoutN/stderrN artifacts, declared
output files are collected afterwards, and the directory is deleted on all
exit paths. A missing output file errors that artifact alone
(missing-output); a nonzero exit stops the sequence and errors the
operation (nonzero-exit).

Callables and subdag generators are plain Go funcs resolved by their stable
registered name; the name participates in the funsie hash, the body does
not. Inputs arrive decoded per their declared encodings. Strict operations
never observe upstream errors — the runtime short-circuits them first —
while non-strict ones receive errors as Values and may recover.

Wall-clock timeouts ride in the funsie's extra payload ({"timeout_ms": N})
and yield timeout errors; panics in user code are contained and surface as
callable-raised.
*/
package runtime
