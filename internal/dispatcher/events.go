package dispatcher

// AmoCRM lead webhook event kinds, as they appear in leads[<kind>][N][...].
const (
	AmoCRMLeadAdd    = "add"
	AmoCRMLeadUpdate = "update"
	AmoCRMLeadStatus = "status"
	AmoCRMLeadDelete = "delete"
)

// supportedAmoCRMEvents lists the lead events that trigger rule processing.
// Deleted leads cannot be enriched and are ignored.
var supportedAmoCRMEvents = []string{
	AmoCRMLeadAdd,
	AmoCRMLeadUpdate,
	AmoCRMLeadStatus,
}

// Map for quick validation
var amoCRMEventMap map[string]bool

func init() {
	amoCRMEventMap = make(map[string]bool)
	for _, eventType := range supportedAmoCRMEvents {
		amoCRMEventMap[eventType] = true
	}
}

func isSupportedAmoCRMEvent(eventType string) bool {
	return amoCRMEventMap[eventType]
}

// Source names used for system log entries.
const (
	sourceDispatcher = "dispatcher"
	sourceRule       = "rule"
)
