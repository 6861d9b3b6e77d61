package bus

import (
	"time"

	"github.com/nats-io/nats.go"
)

// Lifecycle subjects. Relay traffic itself never travels on these; they only
// announce session state changes to observers.
const (
	SubjectSessionReserved = "deskrelay.session.reserved"
	SubjectSessionAccepted = "deskrelay.session.accepted"
	SubjectSessionRejected = "deskrelay.session.rejected"
	SubjectSessionStopped  = "deskrelay.session.stopped"
)

// Connect creates a NATS connection that keeps reconnecting for as long as the
// process runs.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
}
