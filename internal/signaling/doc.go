// Package signaling implements the room signaling service: it accepts
// WebSocket connections, tracks room membership, and relays negotiation and
// presence messages between the members of a room.
package signaling
