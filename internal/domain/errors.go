package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrProtocolDecode     = errors.New("protocol decode failed")
	ErrUnknownPacket      = errors.New("unknown packet kind")
	ErrTransport          = errors.New("transport failure")
	ErrAuthFailure        = errors.New("authentication failed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrPersistence        = errors.New("persistence failed")
	ErrWriterClosed       = errors.New("writer closed")
	ErrWSDisconnect       = errors.New("websocket disconnected")
	ErrLockHeld           = errors.New("lock held by another owner")
)
