package room

import "errors"

var ErrCreateFailed = errors.New("CREATE_FAILED")
var ErrJoinFailed = errors.New("JOIN_FAILED")
var ErrSubscribeTimeout = errors.New("SUBSCRIBE_TIMEOUT")
var ErrInfoFetchFailed = errors.New("INFO_FETCH_FAILED")
var ErrActionFailed = errors.New("room action rejected")
var ErrSessionClosed = errors.New("session closed")
var ErrNotInRoom = errors.New("not in that room")
var ErrUnknownMember = errors.New("unknown member")
var ErrBadTransition = errors.New("invalid lifecycle transition")
var ErrNotHost = errors.New("not the room host")
