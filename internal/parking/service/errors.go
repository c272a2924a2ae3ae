package service

import (
	"errors"

	"github.com/BrandonDHaskell/parkwatch/internal/camera"
	"github.com/BrandonDHaskell/parkwatch/internal/classifier"
)

// Failure classes of the device loops. Capture and classifier errors are
// the same sentinels their packages return.
var (
	ErrCapture             = camera.ErrCapture
	ErrClassifierTransport = classifier.ErrTransport
	ErrClassifierParse     = classifier.ErrParse
	ErrNoDetection         = errors.New("no vehicle above confidence floor")
	ErrCapacityExhausted   = errors.New("no free slot for vehicle type")
	ErrStoreRead           = errors.New("store read failed")
	ErrStoreWrite          = errors.New("store write failed")
	ErrEntryDenied         = errors.New("entry denied by policy")
)
