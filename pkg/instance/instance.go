package instance

import "os"

// GetID returns the process instance identifier used in logs and lock
// tokens, falling back to "local".
func GetID() string {
	for _, key := range []string{"KILNBOOK_INSTANCE_ID", "HOSTNAME"} {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	return "local"
}
