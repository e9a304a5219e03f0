package greeting

import "errors"

var (
	ErrUnknownInvitation        = errors.New("greeting: unknown invitation id")
	ErrInvalidState             = errors.New("greeting: command is not legal from the invitation's current state")
	ErrInvitationExpired        = errors.New("greeting: invitation has expired")
	ErrInvitationRevoked        = errors.New("greeting: invitation has been revoked")
	ErrNotLive                  = errors.New("greeting: invitation is not live")
	ErrAlreadyBegan             = errors.New("greeting: invitation has already begun")
	ErrBadSecret                = errors.New("greeting: secret did not validate against this invitation")
	ErrNonceMismatch            = errors.New("greeting: nonce does not match the invitation's bound nonce")
	ErrBadMsgType               = errors.New("greeting: NOTARIZE requires key_admit or feed_admit credentials")
	ErrBadSignature             = errors.New("greeting: command parameter has an invalid signature")
	ErrMissingParams            = errors.New("greeting: command is missing required parameters")
	ErrUnknownWrittenInvitation = errors.New("greeting: no party invitation is written under that id")
	ErrClaimBindingFailed       = errors.New("greeting: claim does not bind the claimant to the invitee key")
)
