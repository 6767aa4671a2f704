// Package system is the only package that touches the live host. It
// writes the compiled artifacts to disk and drives wg-quick, wg and the
// rules script. Everything above it goes through the Applier interface
// so the coordinator and engine are testable without root or a kernel
// module.
package system

// CommandRunner abstracts shell command execution.
type CommandRunner interface {
	Run(name string, args ...string) error
	RunInput(input string, name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes actual shell commands.
// Methods are implemented in command_linux.go and command_stub.go
type RealCommandRunner struct{}

// DefaultCommandRunner is the default command runner.
var DefaultCommandRunner CommandRunner = &RealCommandRunner{}
