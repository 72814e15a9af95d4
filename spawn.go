package p4

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Environment variables through which the master hands bootstrap parameters
// to remote coordinators.
const (
	EnvMaster = "P4_MASTER"
	EnvGroup  = "P4_GROUP"
	EnvHost   = "P4_HOST"
	EnvCount  = "P4_COUNT"
)

// Handle is a started remote coordinator.
type Handle interface {
	// Wait blocks until the coordinator exits.
	Wait() error
	// Kill terminates the coordinator.
	Kill() error
}

// Spawner starts the coordinator of a remote group.
//
// *Implementations* MUST start command on host with env added to its
// environment, and return without waiting for it to exit.
type Spawner interface {
	SpawnRemotePeer(ctx context.Context, host, command string, env []string) (Handle, error)
}

// SpawnerFunc adapts a function to `Spawner`.
type SpawnerFunc func(ctx context.Context, host, command string, env []string) (Handle, error)

func (f SpawnerFunc) SpawnRemotePeer(ctx context.Context, host, command string, env []string) (Handle, error) {
	return f(ctx, host, command, env)
}

// CommandSpawner starts coordinators as child processes, optionally through
// a remote shell such as ssh.
type CommandSpawner struct {
	// Remote is the remote shell argv, the host is appended to it. When
	// empty, command runs on this machine.
	Remote []string
	Stdout io.Writer
	Stderr io.Writer
}

func (cs *CommandSpawner) SpawnRemotePeer(ctx context.Context, host, command string, env []string) (Handle, error) {
	if command == "" {
		return nil, fmt.Errorf("%w: no command for %s", ErrSpawn, host)
	}

	var cmd *exec.Cmd
	if len(cs.Remote) == 0 {
		cmd = exec.CommandContext(ctx, command)
		cmd.Env = append(os.Environ(), env...)
	} else {
		argv := append([]string{}, cs.Remote[1:]...)
		argv = append(argv, host, "env")
		argv = append(argv, env...)
		argv = append(argv, command)
		cmd = exec.CommandContext(ctx, cs.Remote[0], argv...)
	}
	cmd.Stdout = cs.Stdout
	cmd.Stderr = cs.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	return &cmdHandle{cmd: cmd}, nil
}

type cmdHandle struct {
	cmd *exec.Cmd
}

func (h *cmdHandle) Wait() error {
	return h.cmd.Wait()
}

func (h *cmdHandle) Kill() error {
	return h.cmd.Process.Kill()
}

// RemoteEnv are the bootstrap parameters of a remote coordinator.
type RemoteEnv struct {
	// Master is the bootstrap address of the master, "host:port".
	Master string
	Group  int
	Host   string
	Count  int
}

// Environ encodes re as "KEY=value" pairs.
func (re RemoteEnv) Environ() []string {
	return []string{
		EnvMaster + "=" + re.Master,
		EnvGroup + "=" + strconv.Itoa(re.Group),
		EnvHost + "=" + re.Host,
		EnvCount + "=" + strconv.Itoa(re.Count),
	}
}

// ParseRemoteEnv decodes the parameters produced by `RemoteEnv.Environ`.
func ParseRemoteEnv(lookup func(string) (string, bool)) (RemoteEnv, error) {
	var re RemoteEnv
	var ok bool

	if re.Master, ok = lookup(EnvMaster); !ok || re.Master == "" {
		return re, fmt.Errorf("%w: %s is not set", ErrInvalidRemote, EnvMaster)
	}
	if re.Host, ok = lookup(EnvHost); !ok || re.Host == "" {
		return re, fmt.Errorf("%w: %s is not set", ErrInvalidRemote, EnvHost)
	}

	for _, kv := range []struct {
		key string
		dst *int
	}{{EnvGroup, &re.Group}, {EnvCount, &re.Count}} {
		raw, ok := lookup(kv.key)
		if !ok {
			return re, fmt.Errorf("%w: %s is not set", ErrInvalidRemote, kv.key)
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return re, fmt.Errorf("%w: %s: %w", ErrInvalidRemote, kv.key, err)
		}
		*kv.dst = v
	}

	if re.Group < 1 || re.Count < 1 {
		return re, fmt.Errorf("%w: group %d with %d ranks", ErrInvalidRemote, re.Group, re.Count)
	}
	return re, nil
}

// ParseEnviron is `ParseRemoteEnv` over "KEY=value" pairs.
func ParseEnviron(environ []string) (RemoteEnv, error) {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	return ParseRemoteEnv(func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	})
}

// IsRemote reports whether this process was started as a remote
// coordinator.
func IsRemote() bool {
	_, ok := os.LookupEnv(EnvMaster)
	return ok
}
