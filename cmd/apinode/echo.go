package main

import (
	"github.com/playhouse-dev/playhouse/apihost"
	"github.com/playhouse-dev/playhouse/packet"
	"github.com/playhouse-dev/playhouse/playhouseerr"
	"github.com/playhouse-dev/playhouse/sender"
)

// registerControllers wires this node's apihost.Handler registry. A real
// deployment registers its own stateless controllers here; echoController
// only answers a request with its own payload and exists so a freshly
// booted api node has something to dispatch.
func registerControllers(host *apihost.Host) {
	host.Register("Echo", echoController)
}

func echoController(p *packet.Packet, api sender.ApiSender) {
	_ = api.Reply(playhouseerr.Success, p.Payload)
}
