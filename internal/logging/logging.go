package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Setup configures the global logger: JSON output with ISO 8601 timestamps,
// level from config.
func Setup(level string) {
	log.SetFormatter(&log.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
	log.SetOutput(os.Stdout)

	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

// WithTask returns a logger scoped to one execution task.
func WithTask(taskID, bidRequestID, workerID string) *log.Entry {
	return log.WithFields(log.Fields{
		"task_id":        taskID,
		"bid_request_id": bidRequestID,
		"worker_id":      workerID,
	})
}

// WithRequest returns a logger scoped to one bid request.
func WithRequest(bidRequestID string) *log.Entry {
	return log.WithField("bid_request_id", bidRequestID)
}
