package common

import "errors"

// ErrConfiguration marks missing or contradictory settings. A pipeline that
// fails with it never touched any stored state.
var ErrConfiguration = errors.New("configuration error")
