// Package ipc defines the message protocol spoken between the export host
// and its worker processes.
//
// Every frame on the wire is a 4-byte big-endian length followed by a
// msgpack-encoded envelope. Envelopes decode into exactly one of the
// concrete [Message] types:
//
//	init            host -> worker  hands the worker its channel identity
//	ready           worker -> host  worker finished booting
//	request         host -> worker  correlated by ID, answered by response
//	response        worker -> host  Data or Error for one request ID
//	message         both ways       uncorrelated notification (cancel, progress)
//	heartbeat-ping  host -> worker  liveness probe
//	heartbeat       worker -> host  liveness reply
//	shutdown        host -> worker  cooperative exit
//
// The set is closed: callers switch over the concrete types and the
// decoder rejects anything else.
package ipc
