package redis

import "fmt"

const ns = "ticketline:v1"

func KeyEvent(eventID int64) string {
	return fmt.Sprintf("%s:event:%d", ns, eventID)
}

func KeyUpcomingEvents() string {
	return ns + ":events:upcoming"
}

func KeyIdemBooking(eventID int64, idemKey string) string {
	return fmt.Sprintf("%s:idem:bookings:%d:%s", ns, eventID, idemKey)
}

func ChannelEventsChanged() string {
	return ns + ":events:changed"
}
