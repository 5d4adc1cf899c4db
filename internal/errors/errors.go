// Package errors re-exports github.com/cockroachdb/errors so the rest of the
// module wraps, annotates and inspects errors through a single import.
//
//	if err := engine.StartContainer(ctx, id); err != nil {
//	    return errors.Wrapf(err, "start container %s", id)
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
	GetAllHints = crdb.GetAllHints
)

var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Mark   = crdb.Mark
	Unwrap = crdb.Unwrap
	Cause  = crdb.Cause
)

// CombineErrors returns err, or other if err is nil; when both are set
// other is attached as a secondary error.
var CombineErrors = crdb.CombineErrors

// FlattenDetails joins the details attached with WithDetail.
var FlattenDetails = crdb.FlattenDetails
