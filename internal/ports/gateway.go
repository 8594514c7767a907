package ports

// MessageGateway is an ingestion surface that feeds messages into the
// pipeline (SMTP content filter, provider webhook receiver).
type MessageGateway interface {
	// Start begins accepting messages.
	Start() error
	// Stop shuts the gateway down.
	Stop() error
}
