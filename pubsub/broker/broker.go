package broker

import (
	"errors"
)

// ErrNotConnected is returned by publishers that have no live broker connection.
var ErrNotConnected = errors.New("broker not connected")
