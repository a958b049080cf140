package bench

import (
	"encoding/json"

	"github.com/arloliu/go-pingpong/protocol"
)

// Status is the snapshot answered to status queries of the transport.
type Status struct {
	DeviceName       string `json:"device_name"`
	TestActive       bool   `json:"test_active"`
	ExperimentActive bool   `json:"experiment_active"`
	ShouldSendPing   bool   `json:"should_send_ping"`
	ClearToSend      bool   `json:"clear_to_send"`
	MessageCount     uint64 `json:"message_count"`
	Phase            string `json:"phase"`
}

// Status returns the current status snapshot.
func (e *Experiment) Status() Status {
	st := e.machine.Status()

	return Status{
		DeviceName:       e.deviceName,
		TestActive:       st.TestActive,
		ExperimentActive: e.active.Load(),
		ShouldSendPing:   st.Role != protocol.RoleResponder,
		ClearToSend:      st.ClearToSend,
		MessageCount:     e.counters.RunSent(),
		Phase:            st.Phase.String(),
	}
}

// StatusJSON returns the status snapshot encoded as JSON.
func (e *Experiment) StatusJSON() []byte {
	data, err := json.Marshal(e.Status())
	if err != nil {
		e.logger.Error("failed to encode status", "error", err)
		return []byte("{}")
	}

	return data
}
