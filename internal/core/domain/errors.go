package domain

import "errors"

// Failure taxonomy shared by the relay and the client session.
var (
	// ErrProtocol marks an envelope that failed to parse or validate. It is
	// logged and dropped, never fatal to the channel.
	ErrProtocol = errors.New("protocol error")

	// ErrRoutingMiss marks a unicast whose target is no longer present. It
	// is never reported to the sender.
	ErrRoutingMiss = errors.New("routing target not found")

	// ErrTransportLoss marks an unexpected channel close.
	ErrTransportLoss = errors.New("transport lost")

	// ErrNegotiationFailed marks a peer session that failed after its
	// restart attempt.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrCapabilityDenied marks refused camera or microphone access.
	ErrCapabilityDenied = errors.New("media capability denied")
)

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrParticipantExists   = errors.New("participant already attached")
	ErrMeetingNotFound     = errors.New("meeting not found")
	ErrMeetingInactive     = errors.New("meeting is not active")
	ErrMeetingExists       = errors.New("meeting already exists")
	ErrChannelClosed       = errors.New("channel closed")
	ErrInvalidJoinTicket   = errors.New("invalid join ticket")
	ErrJoinTicketExpired   = errors.New("join ticket expired")
)
