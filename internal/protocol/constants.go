package protocol

// Wire format version.
const Version = 1

// Header: [4B opcode][4B payload_length][4B reserved], all big-endian.
const HeaderSize = 12

// Maximum payload size (16 MB). Full-state transfers dominate.
const MaxPayloadSize = 16 * 1024 * 1024

// Opcode identifies the type of a framed message. Values are stable for the
// life of a session and across builds that share Version.
type Opcode uint32

const (
	// Synchronization
	OpInput    Opcode = 0x01
	OpState    Opcode = 0x02
	OpChecksum Opcode = 0x03
	OpResync   Opcode = 0x04
	OpAssign   Opcode = 0x05
	OpShutdown Opcode = 0x06

	// Handshake
	OpAuthRequest  Opcode = 0x10
	OpAuthResponse Opcode = 0x11
)

// Role is the part a connection plays in the session.
type Role uint32

const (
	RoleHost Role = iota
	RoleClient
	RoleSpectator
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	case RoleSpectator:
		return "spectator"
	default:
		return "unknown"
	}
}

// AuthStatus is the result of an authentication attempt.
type AuthStatus uint32

const (
	AuthOK       AuthStatus = 0
	AuthFailed   AuthStatus = 1
	AuthRejected AuthStatus = 2 // authenticated, but the host has no room
)

// NoClient is the Assign.Client value sent to spectators.
const NoClient = ^uint32(0)

// Fixed message sizes (excluding header).
const (
	InputSize        = 12 // offset + client + input
	ChecksumSize     = 8  // frame + crc
	ResyncSize       = 4  // frame
	AssignSize       = 12 // client + players + local start
	StateHeaderSize  = 4  // frame (snapshot follows)
	AuthRequestSize  = 36 // HMAC token + role
	AuthResponseSize = 4  // status
)
