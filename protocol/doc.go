/*
Package protocol defines the guest control wire protocol spoken between a host controller and the guest agent.

The channel underneath is ordered and reliable but has no call/return semantics of its own. Every message therefore
carries a ContextID packing (session, object, count). The host allocates the count from a per-process ring, so a reply
can be routed back to the exact request that caused it.

The exchange for one process proceeds as follows:

1. The host sends hello and the guest answers with its protocol version.
2. The host sends start. The guest answers with status_changed(started) carrying the guest PID, or status_changed(error).
3. The host feeds stdin with write_stdin (answered by input_ack) and pulls output with read_stream (answered by output).
   Output is never pushed, which gives the guest natural flow control.
4. When the process ends the guest sends exactly one terminal status_changed, unless it was started detached.
5. terminate is answered by reply, only after the terminal status has been sent.

If the guest agent goes away it sends disconnected, and the host marks all its processes as down.
*/
package protocol
