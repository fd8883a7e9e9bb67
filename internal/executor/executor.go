// Package executor materializes deployed source code and builds the command
// that runs it. The interface exists so a sandboxed implementation can be
// substituted later without touching the protocol or supervisor logic; the
// default Python executor deliberately runs code with agent privileges.
package executor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Executor prepares an app's payload on disk and builds its command.
// Implementations must be safe for concurrent use across distinct names.
type Executor interface {
	// Prepare writes the source payload for name and returns the work file path.
	Prepare(name, source string) (string, error)
	// Command builds the (not yet started) command for a prepared work file.
	// extraEnv entries are KEY=VALUE pairs appended to the inherited environment.
	Command(workFile string, extraEnv []string) *exec.Cmd
}

// Python runs payloads with an unbuffered CPython interpreter.
type Python struct {
	// Bin is the interpreter binary; "python3" when empty.
	Bin string
	// DeployDir is where payload files are written.
	DeployDir string
	// BrokerAddress is exported to apps as KUKSA_DATA_BROKER_ADDRESS.
	BrokerAddress string
	// AgentID is exported to apps as UDA_AGENT_ID.
	AgentID string
}

// Prepare writes source to <DeployDir>/<name>-main.py.
func (p *Python) Prepare(name, source string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if err := os.MkdirAll(p.DeployDir, 0o750); err != nil {
		return "", err
	}
	path := filepath.Join(p.DeployDir, name+"-main.py")
	if err := os.WriteFile(path, []byte(source), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Command builds "python3 -u <workFile>". -u keeps the child's output
// unbuffered so line relay stays live.
func (p *Python) Command(workFile string, extraEnv []string) *exec.Cmd {
	bin := p.Bin
	if bin == "" {
		bin = "python3"
	}
	// #nosec G204 -- running deployed code is this agent's purpose
	cmd := exec.Command(bin, "-u", workFile)
	env := os.Environ()
	if p.BrokerAddress != "" {
		env = append(env, "KUKSA_DATA_BROKER_ADDRESS="+p.BrokerAddress)
	}
	appName := strings.TrimSuffix(filepath.Base(workFile), "-main.py")
	env = append(env, "UDA_APP_NAME="+appName)
	if p.AgentID != "" {
		env = append(env, "UDA_AGENT_ID="+p.AgentID)
	}
	cmd.Env = append(env, extraEnv...)
	return cmd
}

// validName rejects names that would escape the deployment directory.
func validName(name string) error {
	if name == "" {
		return fmt.Errorf("empty app name")
	}
	if strings.ContainsAny(name, "/\\") || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid app name %q", name)
	}
	return nil
}
