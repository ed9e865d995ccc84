/*
Package child supervises at most one spawned process on behalf of the broker.

The child's stdin is one pipe and its stdout and stderr share a second pipe. Only the child-facing
ends are passed to the new process; the broker-facing ends are close-on-exec and never inherited.

All Supervisor methods are called from a single goroutine, the relay loop, which is therefore the
only owner of the None -> Running -> None transitions. Background goroutines per child read output,
write queued stdin and reap the process; they hand results back over channels and signal Ready.
None of the Supervisor methods block.
*/
package child
