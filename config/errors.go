package config

import "errors"

// ErrParse is returned for any malformed option value. Per the error
// handling policy, a configuration parse error is fatal: the process
// refuses to start rather than run with a partially-understood config.
var ErrParse = errors.New("config: parse error")
