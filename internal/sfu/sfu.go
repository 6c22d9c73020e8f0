// Package sfu wraps the local media engine (pion) behind the shapes the
// signaling protocol deals in: a capability-loaded device, send/receive
// transports, producers and consumers.
package sfu

import (
	"context"
	"encoding/json"
	"errors"
)

// Requester issues correlated signaling requests. *signaling.Client
// satisfies it; tests substitute scripted fakes.
type Requester interface {
	Request(ctx context.Context, msgType string, payload any) (json.RawMessage, error)
}

// RequestFunc adapts a function to the Requester interface.
type RequestFunc func(ctx context.Context, msgType string, payload any) (json.RawMessage, error)

func (f RequestFunc) Request(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	return f(ctx, msgType, payload)
}

var (
	// ErrDeviceNotLoaded means a transport or subscription was attempted
	// before the router capabilities were loaded. That ordering is a
	// programming error and fails fast.
	ErrDeviceNotLoaded = errors.New("sfu: device not loaded with router capabilities")
	ErrNoSendTransport = errors.New("sfu: no send transport")
	ErrNoRecvTransport = errors.New("sfu: no receive transport")
	ErrUnknownProducer = errors.New("sfu: unknown producer")
	ErrUnknownConsumer = errors.New("sfu: unknown consumer")

	// ErrTransportClosed means a transport was used after Close tore
	// down its peer connection.
	ErrTransportClosed = errors.New("sfu: transport closed")
)
