//go:build !linux
// +build !linux

package system

import "errors"

var errUnsupported = errors.New("command execution is only supported on linux")

func (r *RealCommandRunner) Run(name string, args ...string) error {
	return errUnsupported
}

func (r *RealCommandRunner) Output(name string, args ...string) ([]byte, error) {
	return nil, errUnsupported
}

func (r *RealCommandRunner) RunInput(input string, name string, args ...string) error {
	return errUnsupported
}
