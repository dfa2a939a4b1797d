package schema

import "time"

// Layout is the timestamp format of the event files and of audit output.
const Layout = "2006-01-02 15:04:05"

// TimestampLayouts are accepted when inferring a Timestamp column, in
// preference order.
var TimestampLayouts = []string{
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05-07",
	Layout,
	"2006-01-02 15:04:05.999999",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// EventColumns is the header of an event file.
var EventColumns = []string{"event_time", "event_type", "product_id", "price", "user_id", "user_session"}

// DefaultKeyFields are the exact-match fields of the duplicate key.
var DefaultKeyFields = []string{"event_type", "product_id", "price", "user_id", "user_session"}

// DefaultTimeColumn is compared within the duplicate tolerance window.
const DefaultTimeColumn = "event_time"
