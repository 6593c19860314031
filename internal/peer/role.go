package peer

import "github.com/mossy-p/meshcall/internal/models"

// IsOfferer reports whether selfID makes the offer towards peerID. The
// participant with the lexicographically greater id offers, so both sides
// agree without coordinating.
func IsOfferer(selfID, peerID string) bool {
	return selfID > peerID
}

// LinkPath is the PeerLink document shared by a and b, in either order.
func LinkPath(roomID, a, b string) string {
	if IsOfferer(a, b) {
		return models.PeerLinkPath(roomID, a, b)
	}
	return models.PeerLinkPath(roomID, b, a)
}
