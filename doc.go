// Package pipeipc provides bidirectional, message-oriented IPC over local
// named pipes. A server multiplexes any number of clients over one
// well-known pipe name by redirecting each accepted client onto a private
// per-connection pipe; both sides then exchange length-prefixed,
// codec-framed messages through background read and write loops. Windows
// named pipes and Unix domain sockets back the transport.
package pipeipc
