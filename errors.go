package taskpipe

import "errors"

var (
	ErrClosed               = errors.New("taskpipe: pipeline closed")
	ErrNoHandle             = errors.New("taskpipe: no transport handle resolvable")
	ErrDuplicateTask        = errors.New("taskpipe: task id already tracked")
	ErrBroadcastUnavailable = errors.New("taskpipe: cluster broadcast queue unavailable")
	ErrInvalidDomain        = errors.New("taskpipe: invalid domain config")
	ErrUnknownDomainType    = errors.New("taskpipe: unknown domain type")
	ErrEmptyQueue           = errors.New("taskpipe: queue name must not be empty")
)
