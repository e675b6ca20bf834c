package transport

import (
	"time"

	"github.com/someip-go/core/config"
	"github.com/someip-go/core/message"
	"github.com/someip-go/core/train"
)

func init() {
	train.ParseHeaderFunc = func(payload []byte) train.HeaderInfo {
		if len(payload) < int(message.OffsetMethod)+2 {
			return train.HeaderInfo{}
		}
		return train.HeaderInfo{Service: message.Service(payload), Method: message.Method(payload)}
	}
}

// TrainPolicy bridges a config.Capability into the decoupled train.Policy
// the scheduler consumes, for a destination bound to remoteIP:remotePort.
// instance is used only for the TP lookups, which are keyed by
// (service, instance, method) on the offering side.
func TrainPolicy(cap config.Capability, instance uint16, maxMessageSize, queueLimit uint32, remoteIP string, remotePort uint16) train.Policy {
	return train.Policy{
		MaxMessageSize: maxMessageSize,
		QueueLimit:     queueLimit,
		Timing: func(service, method uint16) (debounce, maxRetention time.Duration) {
			return cap.GetConfiguredTimingRequests(service, method, remoteIP, remotePort)
		},
		TP: func(service, method uint16) (enabled bool, maxSegmentLength uint16, separationTime time.Duration) {
			enabled = cap.IsTPClient(service, method, remoteIP, remotePort)
			maxSegmentLength, separationTime = cap.GetTPConfiguration(service, instance, method)
			return enabled, maxSegmentLength, separationTime
		},
	}
}
