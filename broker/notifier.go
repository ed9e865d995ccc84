package broker

import (
	"github.com/guseggert/procbroker/frame"
	"go.uber.org/zap"
)

// notifier reports lifecycle events to the host. It holds no state: the supervisor hands out each
// exit once, when it releases the child, and the relay passes it straight here.
type notifier struct {
	enc *frame.Encoder
	log *zap.SugaredLogger
}

func (n *notifier) exited(status int) error {
	n.log.Infow("child exited", "Status", status)
	return n.enc.WriteExit(status)
}
