package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// BaseFields builds the action/config-path fields shared by every
// startup/reload log line.
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields carries the per-request fields spec.md §7's fault taxonomy
// distinguishes: which object was requested, what the coordinator decided,
// and how many bytes were served. The fault category is tagged separately
// by FaultFields.
func RequestFields(vhost, uri, status string, bytesServed int64) logrus.Fields {
	return logrus.Fields{
		"vhost":        vhost,
		"uri":          uri,
		"status":       status,
		"bytes_served": bytesServed,
	}
}

// FaultFields tags an error log line with spec.md §7's fault category
// (config, upstream, client) and the daemon's pid, so operators can filter
// by which layer needs attention.
func FaultFields(category, detail string) logrus.Fields {
	return logrus.Fields{
		"fault_category": category,
		"detail":         detail,
		"pid":            os.Getpid(),
	}
}
