package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Gateways and clients return these
// (optionally wrapped) so services can distinguish upstream states without
// depending on transports.
//
// - ErrNotFound: the upstream looked and the entity does not exist; callers
//   may degrade (skip temporal gating, skip remote rules).
// - ErrUnavailable: the upstream could not be reached or answered with an
//   unexpected status; must propagate, never be treated as empty data.
// - ErrBadInput: the request is malformed before any evaluation happens.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("unavailable")
	ErrBadInput    = errors.New("bad input")
)
