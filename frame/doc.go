/*
Package frame implements the host wire format of the broker: every message in either direction is a
little-endian uint32 length followed by exactly that many bytes of UTF-8 JSON.

Host -> broker payloads are either a bare JSON string (bytes for the child's stdin) or an object:

	{"operation": "run", "command": "<path>", "args": "<optional arg string>"}
	{"operation": "kill"}

Broker -> host payloads are either a JSON string (child output) or {"type": "exit", "status": <int>}.

Child output is arbitrary binary, so strings are escaped losslessly: valid UTF-8 is written as-is
(with the usual JSON escapes), and each byte of an invalid sequence is written as the lone surrogate
escape \udcXX. Decoding maps those escapes back to the original byte.
*/
package frame
