package mesh

import "errors"

var (
	ErrPeerNotOpen   = errors.New("peer link not open")
	ErrDestroyed     = errors.New("coordinator destroyed")
	ErrAlreadyJoined = errors.New("coordinator already joined")
	ErrJoinRejected  = errors.New("join rejected by relay")
	ErrRelayClosed   = errors.New("relay connection closed")
)
