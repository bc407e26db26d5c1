//go:build !linux

package minion

import (
	pkgerrors "invoker/pkg/errors"
)

// Setup reports that no sandbox is available on this platform.
func Setup(cfg Config) (Backend, error) {
	return nil, pkgerrors.New(pkgerrors.SandboxNotSupported)
}
