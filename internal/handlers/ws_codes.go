// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the competition, spectate and tournament sockets.
const (
	BadSubprotocolError   websocket.StatusCode = 3000 // client did not offer the endpoint's subprotocol
	InvalidAuthTokenError websocket.StatusCode = 3001 // a supplied auth token failed verification
	InvalidUserIDError    websocket.StatusCode = 3002 // no usable user id could be derived
	InvalidRoomIDError    websocket.StatusCode = 3003 // room or tournament id is missing or unknown
	SlotTakenError        websocket.StatusCode = 3004 // typist slot held by another user
)
