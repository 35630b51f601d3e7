// Package version holds the protocol and build version constants.
package version

// Protocol is the wire protocol version carried in every message header.
// Peers with a different version are disconnected.
const Protocol uint16 = 1

// Build is the human-readable release string.
const Build = "0.3.0"
