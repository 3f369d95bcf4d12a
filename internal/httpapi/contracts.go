package httpapi

// StatusResponse describes the agent state at a point in time.
type StatusResponse struct {
	InstanceUUID      string `json:"instance_uuid"`
	ClientID          string `json:"client_id"`
	Env               string `json:"env"`
	Enabled           bool   `json:"enabled"`
	StartupPending    bool   `json:"startup_pending"`
	QueuedPayloads    int    `json:"queued_payloads"`
	PendingLogItems   int    `json:"pending_log_items"`
	ReadyLogFiles     int    `json:"ready_log_files"`
	LoggingEnabled    bool   `json:"logging_enabled"`
	LoggingSuspended  bool   `json:"logging_suspended"`
	ActiveCollections int    `json:"active_span_collections"`
}

// ErrorResponse is serialized for API-level failures.
type ErrorResponse struct {
	Error string `json:"error"`
}
