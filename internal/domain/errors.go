package domain

import "errors"

var (
	ErrChannelNotReady         = errors.New("signaling channel not ready")
	ErrCapabilitiesInitialized = errors.New("capabilities already initialized")
	ErrCapabilitiesMissing     = errors.New("capabilities not initialized")
	ErrTransportMissing        = errors.New("transport not created")
	ErrTransportsExist         = errors.New("transports already created")
	ErrProducerExists          = errors.New("producer already exists")
	ErrProducerNotFound        = errors.New("producer not found")
	ErrConsumerNotFound        = errors.New("consumer not found")
	ErrUnsupportedKind         = errors.New("unsupported media kind")
	ErrDeviceUnavailable       = errors.New("capture device unavailable")
	ErrPermissionDenied        = errors.New("capture permission denied")
	ErrDeviceBusy              = errors.New("capture device busy")
	ErrUnencryptedRefused      = errors.New("end-to-end encryption unavailable")
	ErrInvalidAppData          = errors.New("invalid app data")
	ErrRelay                   = errors.New("relay error")
)
