// Package protocol implements the RTS/CTS arbitration that decides, for every run, which of the
// two peers sends data frames and which one answers.
//
// The state of a peer is a single Phase value. Next is the pure transition function; Machine
// applies it to received frames and to the commands of the run controller, and queues the
// reply frames the transitions ask for.
//
// Phases:
//
//   - Undetermined: a run started and no control frame was seen or sent yet.
//   - SenderWaiting: this peer sent RTS and waits for CTS.
//   - SenderActive: CTS was received; the pacing loop may emit data frames.
//   - ResponderWaiting: an RTS was received and answered with CTS.
//   - Idle: no run is active.
//
// When both peers send RTS before either saw the other's, the peer with the lexicographically
// lower name defers: it answers the other RTS with CTS and becomes responder, while the higher
// name ignores the lower name's RTS and keeps waiting for CTS.
package protocol
