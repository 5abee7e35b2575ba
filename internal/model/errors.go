package model

import (
	"errors"
)

var (
	ErrNoInput           = errors.New("no input found")
	ErrUnsupportedFormat = errors.New("unsupported result format")
)
