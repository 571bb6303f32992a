package monitor

import "errors"

// ErrDuplicatePage is returned when the URL is already watched.
var ErrDuplicatePage = errors.New("monitor: page with this URL already exists")

// ErrInvalidInput is returned when page input fails validation.
var ErrInvalidInput = errors.New("monitor: invalid input")

// ErrNotFound is returned when a page ID does not exist.
var ErrNotFound = errors.New("monitor: page not found")

// ErrInsufficientContent is returned when a fetched page carries too little
// server-rendered text to diff (script-driven shells).
var ErrInsufficientContent = errors.New("monitor: insufficient server-rendered content")
