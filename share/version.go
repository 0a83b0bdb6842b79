package pnshare

// BuildVersion is the overall version of the portalnode build, overridden at
// link time for releases.
var BuildVersion = "0.0.0-src"

// ProtocolVersion is the portal link protocol version exchanged during the
// handshake and used as the WebSocket subprotocol. Nodes refuse to peer
// across protocol versions.
const ProtocolVersion = "portalnode-v1"
