package system

import "time"

// Status is a point-in-time view of the live interface.
type Status struct {
	Interface  string       `json:"interface"`
	Up         bool         `json:"up"`
	PublicKey  string       `json:"public_key"`
	ListenPort int          `json:"listen_port"`
	Peers      []PeerStatus `json:"peers,omitempty"`
}

// PeerStatus is the kernel's view of one peer.
type PeerStatus struct {
	PublicKey     string    `json:"public_key"`
	Endpoint      string    `json:"endpoint,omitempty"`
	AllowedIPs    []string  `json:"allowed_ips,omitempty"`
	LastHandshake time.Time `json:"last_handshake"`
	ReceiveBytes  int64     `json:"receive_bytes"`
	TransmitBytes int64     `json:"transmit_bytes"`
	// Active means a handshake completed within the last three
	// minutes, the interval after which wireguard considers a session
	// stale.
	Active bool `json:"active"`
}
