package domain

import "errors"

var (
	ErrInvalidParams     = errors.New("invalid_gateway_params")
	ErrTransientGateway  = errors.New("transient_gateway_error")
	ErrMalformedResponse = errors.New("malformed_gateway_response")
)
