package protocol

import (
	"context"
	"testing"

	"github.com/arloliu/go-pingpong/logger"
	"github.com/arloliu/go-pingpong/message"
	"github.com/arloliu/go-pingpong/metrics"
)

// FuzzArbitration drives two peers through arbitrary interleavings of claims and frame
// deliveries, including reordering frames in flight. Both peers must never be clear to send at
// the same time.
func FuzzArbitration(f *testing.F) {
	f.Add([]byte{0, 1, 2, 3, 2, 3})
	f.Add([]byte{0, 2, 1, 3, 3, 2})
	f.Add([]byte{1, 0, 7, 6, 5, 4, 3, 2})
	f.Add([]byte{0, 1, 3, 2, 8, 9, 3, 2, 3, 2})

	f.Fuzz(func(t *testing.T, script []byte) {
		ctx := context.Background()
		newPeer := func(name string) (*Machine, *recordingOut) {
			out := &recordingOut{}
			m, err := NewMachine(MachineConfig{
				IDs:       message.NewIDGenerator(name),
				Out:       out,
				Counters:  &metrics.Counters{},
				FrameSize: 32,
				Logger:    logger.NewPermissiveMockLogger(),
			})
			if err != nil {
				t.Fatal(err)
			}

			return m, out
		}

		peers := [2]*Machine{}
		outs := [2]*recordingOut{}
		peers[0], outs[0] = newPeer("P1")
		peers[1], outs[1] = newPeer("P2")
		peers[0].BeginRun()
		peers[1].BeginRun()

		// inFlight[i] holds frames sent by peer i towards the other peer
		var inFlight [2][]*message.Message

		for _, op := range script {
			i := int(op & 1)
			switch (op >> 1) % 5 {
			case 0:
				_ = peers[i].ClaimSender(ctx)
			case 1:
				// deliver oldest frame
				if len(inFlight[i]) > 0 {
					msg := inFlight[i][0]
					inFlight[i] = inFlight[i][1:]
					peers[1-i].Dispatch(ctx, msg)
				}
			case 2:
				// deliver newest frame, reordering the link
				if n := len(inFlight[i]); n > 0 {
					msg := inFlight[i][n-1]
					inFlight[i] = inFlight[i][:n-1]
					peers[1-i].Dispatch(ctx, msg)
				}
			case 3:
				// lose the oldest frame
				if len(inFlight[i]) > 0 {
					inFlight[i] = inFlight[i][1:]
				}
			case 4:
				_, _ = peers[i].Resend(ctx)
			}

			for j := range outs {
				inFlight[j] = append(inFlight[j], outs[j].take()...)
			}

			if peers[0].Phase().ClearToSend() && peers[1].Phase().ClearToSend() {
				t.Fatalf("both peers clear to send after script %v", script)
			}
		}
	})
}
