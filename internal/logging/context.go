package logging

// RunContext creates a logger context for one strategy run
func RunContext(projectID, runID string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"project_id": projectID,
		"run_id":     runID,
	}).WithComponent("scheduler")
}

// SyncContext creates a logger context for one symbol's kline sync
func SyncContext(exchange, symbol, interval string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"exchange": exchange,
		"symbol":   symbol,
		"interval": interval,
	}).WithComponent("kline")
}

// PositionContext creates a logger context for one project's position on a symbol
func PositionContext(projectID, symbol string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"project_id": projectID,
		"symbol":     symbol,
	}).WithComponent("broker")
}
