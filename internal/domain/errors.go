package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrNoUsableToken   = errors.New("no usable token for provider")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNoStagedUpscale = errors.New("no staged upscale")
	ErrVideoInFlight   = errors.New("video generation already in flight")
)
