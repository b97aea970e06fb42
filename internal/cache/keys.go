package cache

import "fmt"

// Key builders shared by the HTTP layer and the completion hooks so
// that reads and invalidations always agree on the name.

func EventKey(eventID string) string {
	return fmt.Sprintf("ticketq:cache:event:%s", eventID)
}

func PositionKey(eventID, userID string) string {
	return fmt.Sprintf("ticketq:cache:position:%s:%s", eventID, userID)
}
