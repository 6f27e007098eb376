// Package signaling runs the WebSocket offer/answer/candidate exchange that
// sets up rtc peers. The WebSocket is only used until the DataChannel is open on both sides.
package signaling

type messageType string

const (
	msgTypeOffer     messageType = "offer"
	msgTypeAnswer    messageType = "answer"
	msgTypeCandidate messageType = "candidate"
	msgTypeReady     messageType = "ready" // sender's DataChannel is open
)

// message is the JSON structure exchanged over the WebSocket.
type message struct {
	Type      messageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}
