package cachegate

import "errors"

// ErrNetworkUnavailable is returned when a fetch failed or timed out.
var ErrNetworkUnavailable = errors.New("network unavailable")

// ErrCacheMiss is returned when a lookup found nothing usable.
var ErrCacheMiss = errors.New("cache miss")

// ErrAdmissionRejected is returned when a store cannot take an entry without
// exceeding its byte ceiling.
var ErrAdmissionRejected = errors.New("admission rejected")

// ErrInvalidTransition is returned when a lifecycle step is not allowed from
// the current state.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// ErrUnknownMessage is returned for control messages of an unknown type.
var ErrUnknownMessage = errors.New("unknown control message")
