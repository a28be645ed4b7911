package output

import (
	"fmt"
	"strings"
	"time"

	"barcodegate/barcode"
)

// TimestampLayout is the millisecond layout used in record log headers
const TimestampLayout = "2006-01-02 15:04:05.000"

// BuildHeader constructs a header in the format: [ROLE][PORT][YYYY-MM-DD HH:MM:SS.mmm]
func BuildHeader(role barcode.Role, port string, timestamp time.Time) string {
	// Format: [ENTRY][/dev/ttyUSB0][2025-12-03 15:04:05.123]
	return fmt.Sprintf("[%s][%s][%s] ",
		strings.ToUpper(role.String()),
		port,
		timestamp.Format(TimestampLayout))
}

// FormatRecord renders a record as one log line (no trailing newline)
func FormatRecord(rec barcode.Record) string {
	return BuildHeader(rec.Role, rec.Port, rec.Timestamp) + rec.Payload
}
