package instance

import (
	"fmt"
	"os"
)

// GetID returns the process identifier used as the owner of order claims and
// ledger locks. WORKER_ID wins; otherwise hostname plus pid.
func GetID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
