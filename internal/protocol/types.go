package protocol

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrTruncated        = errors.New("truncated frame")
	ErrTelemetryLength  = errors.New("telemetry length mismatch")
	ErrUnknownType      = errors.New("unknown message type")
	ErrUnsupportedFlags = errors.New("unsupported flags")
	ErrInvalidTypeCode  = errors.New("invalid type code component")
	ErrDuplicateType    = errors.New("duplicate message type")
)

// Type code layout: domain(5) | direction(1) | version(2) | command(8).
const (
	domainShift    = 11
	directionShift = 10
	versionShift   = 8

	MaxDomain  = 31
	MaxVersion = 3
	MaxCommand = 255
)

// Domain identifies a functional area of the protocol.
type Domain uint8

const (
	DomainTransport   Domain = 0
	DomainAuth        Domain = 1
	DomainMatchmaking Domain = 2
	DomainSession     Domain = 3
	DomainGameplay    Domain = 4
	DomainSocial      Domain = 5
	DomainAdmin       Domain = 6
)

var domainNames = map[Domain]string{
	DomainTransport:   "transport",
	DomainAuth:        "auth",
	DomainMatchmaking: "matchmaking",
	DomainSession:     "session",
	DomainGameplay:    "gameplay",
	DomainSocial:      "social",
	DomainAdmin:       "admin",
}

func (d Domain) String() string {
	if name, ok := domainNames[d]; ok {
		return name
	}
	return fmt.Sprintf("domain(%d)", uint8(d))
}

// Direction disambiguates client requests from server pushes.
type Direction uint8

const (
	DirectionRequest Direction = 0 // client -> server
	DirectionPush    Direction = 1 // server -> client
)

func (d Direction) String() string {
	if d == DirectionPush {
		return "push"
	}
	return "request"
}

// MessageType is the bit-packed 16-bit type code carried in every header.
type MessageType uint16

// Compose packs the four components into a type code.
func Compose(domain Domain, direction Direction, version, command uint8) (MessageType, error) {
	if domain > MaxDomain {
		return 0, fmt.Errorf("%w: domain %d > %d", ErrInvalidTypeCode, domain, MaxDomain)
	}
	if direction > DirectionPush {
		return 0, fmt.Errorf("%w: direction %d", ErrInvalidTypeCode, direction)
	}
	if version > MaxVersion {
		return 0, fmt.Errorf("%w: version %d > %d", ErrInvalidTypeCode, version, MaxVersion)
	}
	return MessageType(uint16(domain)<<domainShift |
		uint16(direction)<<directionShift |
		uint16(version)<<versionShift |
		uint16(command)), nil
}

// MustCompose is Compose for static declarations. It panics on invalid input.
func MustCompose(domain Domain, direction Direction, version, command uint8) MessageType {
	t, err := Compose(domain, direction, version, command)
	if err != nil {
		panic(err)
	}
	return t
}

// Domain returns the domain component.
func (t MessageType) Domain() Domain { return Domain(t >> domainShift) }

// Direction returns the direction component.
func (t MessageType) Direction() Direction { return Direction((t >> directionShift) & 0x1) }

// Version returns the protocol revision component.
func (t MessageType) Version() uint8 { return uint8((t >> versionShift) & 0x3) }

// Command returns the command ordinal.
func (t MessageType) Command() uint8 { return uint8(t) }

// Decompose is the inverse of Compose.
func (t MessageType) Decompose() (Domain, Direction, uint8, uint8) {
	return t.Domain(), t.Direction(), t.Version(), t.Command()
}

// IsPush reports whether the type is a server -> client push.
func (t MessageType) IsPush() bool { return t.Direction() == DirectionPush }

func (t MessageType) String() string {
	return fmt.Sprintf("%s/%s/v%d/%d", t.Domain(), t.Direction(), t.Version(), t.Command())
}
