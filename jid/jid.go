// Package jid implements the WhatsApp wire address: a (user, device, server)
// triple used to name both accounts and individual companion devices.
package jid

import (
	"fmt"
	"strconv"
	"strings"
)

// Server is the namespace a Jid belongs to.
type Server string

const (
	ServerWhatsApp  Server = "c.us"
	ServerGroup     Server = "g.us"
	ServerBroadcast Server = "broadcast"
	ServerStatus    Server = "status"
	ServerUser      Server = "s.whatsapp.net"
	ServerCompanion Server = "lid"
)

// Jid is an identity triple. Device 0 denotes the primary device.
type Jid struct {
	User   string
	Device uint16
	Server Server
}

// NewPrimary returns the primary-device Jid for user on server.
func NewPrimary(user string, server Server) Jid {
	return Jid{User: user, Device: 0, Server: server}
}

// NewDevice returns a companion device Jid. Device MUST be > 0.
func NewDevice(user string, device uint16, server Server) Jid {
	return Jid{User: user, Device: device, Server: server}
}

// IsPrimary reports whether this Jid addresses the primary device.
func (j Jid) IsPrimary() bool {
	return j.Device == 0
}

// ToPrimary returns the normalized primary-device form of j.
func (j Jid) ToPrimary() Jid {
	return Jid{User: j.User, Device: 0, Server: j.Server}
}

// String renders the wire-exact form: "user:device@server" or "user@server"
// for the primary device.
func (j Jid) String() string {
	if j.Device == 0 {
		return fmt.Sprintf("%s@%s", j.User, j.Server)
	}
	return fmt.Sprintf("%s:%d@%s", j.User, j.Device, j.Server)
}

// Equal reports structural equality.
func (j Jid) Equal(other Jid) bool {
	return j.User == other.User && j.Device == other.Device && j.Server == other.Server
}

// Parse decodes the wire-exact string form produced by String.
func Parse(s string) (Jid, error) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return Jid{}, fmt.Errorf("jid: missing '@' in %q", s)
	}
	left, server := s[:at], s[at+1:]
	if server == "" {
		return Jid{}, fmt.Errorf("jid: empty server in %q", s)
	}

	user := left
	var device uint16
	if colon := strings.IndexByte(left, ':'); colon >= 0 {
		user = left[:colon]
		n, err := strconv.ParseUint(left[colon+1:], 10, 16)
		if err != nil {
			return Jid{}, fmt.Errorf("jid: invalid device in %q: %w", s, err)
		}
		device = uint16(n)
	}
	if user == "" {
		return Jid{}, fmt.Errorf("jid: empty user in %q", s)
	}
	return Jid{User: user, Device: device, Server: Server(server)}, nil
}

// ADString renders the "user_device" form used as a Signal session store key.
func (j Jid) ADString() string {
	return fmt.Sprintf("%s_%d", j.User, j.Device)
}
