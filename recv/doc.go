// Package recv implements the SPEAD receive pipeline: packet decoding,
// heap reassembly, and the readers that feed packets into a stream.
//
// A Stream consumes decoded packets and maintains a fixed-size table of
// live (in-flight) heaps. Heaps leave the table when they complete, when
// they are aged out to make room, or when the stream stops; each one is
// handed to the stream's Handler. RingStream is the common concrete
// form: its handler pushes ready heaps into a bounded ring that
// consumers drain with Pop or TryPop.
//
// Readers drive packets into a stream: UDPReader from a socket
// (optionally multicast, optionally batched), MemReader from a byte
// buffer, WebsocketReader from a websocket connection, and BypassReader
// from a shared per-interface kernel-bypass service. Readers are
// attached with Stream.AddReader and owned by the stream; Stream.Stop
// stops and joins all of them before returning.
package recv
