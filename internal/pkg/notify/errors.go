package notify

import "errors"

var (
	ErrUnknownKind = errors.New("unknown notification kind")
	ErrNoRecipient = errors.New("notification has no recipient")
	ErrNoSender    = errors.New("no notification sender configured")
)
