package catalog

import (
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
)

var (
	ErrTableNotFound       = errors.ErrTableNotFound
	ErrTableAlreadyExists  = errors.ErrTableAlreadyExists
	ErrPolicyNotFound      = errors.ErrPolicyNotFound
	ErrPolicyAlreadyExists = errors.ErrPolicyAlreadyExists
	ErrPolicyBound         = errors.ErrPolicyBound
	ErrBindingNotFound     = errors.ErrBindingNotFound
	ErrPartitionNotFound   = errors.ErrPartitionNotFound
	ErrInvalidTransition   = errors.ErrInvalidTransition
	ErrInvalidName         = errors.ErrInvalidName
)
