//go:build !linux && !windows

package app

import (
	"errors"
)

func mapCodePage() (*codePage, error) {
	return nil, errors.New("scratch pages are not supported on this platform")
}

func (p *codePage) free() {}
