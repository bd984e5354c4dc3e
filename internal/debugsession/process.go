package debugsession

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/mcp-funnel/funnel/internal/config"
	"github.com/mcp-funnel/funnel/internal/container"
	"github.com/mcp-funnel/funnel/internal/container/applecontainer"
	"github.com/mcp-funnel/funnel/internal/container/docker"
	"github.com/mcp-funnel/funnel/internal/logger"
	"github.com/mcp-funnel/funnel/internal/outputbuffer"
)

// killGrace is how long Terminate waits after SIGTERM before escalating to
// SIGKILL (spec §4.6 Termination).
const killGrace = 3 * time.Second

// inspectorURLPattern matches Node's `--inspect-brk` banner line, e.g.
// "Debugger listening on ws://127.0.0.1:9229/1b2c3d4e-...".
var inspectorURLPattern = regexp.MustCompile(`(ws://\S+)`)

// process wraps a spawned Node child under --inspect-brk, piping its
// stdio into the owning session's Output Buffer and surfacing the
// inspector URL it prints on startup. It is either a bare subprocess (cmd
// set) or a command exec'd inside a container (runtime/containerID/exec
// set), never both.
type process struct {
	cmd  *exec.Cmd
	done chan struct{} // closed once the process's Wait() returns

	runtime     container.Runtime
	containerID string
	exec        *container.InteractiveExec

	mu       sync.Mutex
	urlCh    chan string
	urlOnce  sync.Once
	exitCode *int
	signal   string
}

// spawn launches lt.Runtime (default "node") against lt.Entry under
// --inspect-brk=0 (port 0: let the OS choose a free port and print the
// chosen ws:// URL to stderr), merging lt.Env onto the current environment
// and piping both stdio streams into output. If lt.Container is set, the
// runtime is launched inside a container via the matching container.Runtime
// backend instead of as a bare subprocess.
func spawn(lt LaunchTarget, output *outputbuffer.Buffer) (*process, error) {
	if lt.Container != nil {
		return spawnContainerized(lt, output)
	}

	runtime := lt.Runtime
	if runtime == "" {
		runtime = "node"
	}

	args := append([]string{"--inspect-brk=0", lt.Entry}, lt.Args...)
	cmd := exec.Command(runtime, args...)
	cmd.Dir = lt.Cwd
	if len(lt.Env) > 0 {
		cmd.Env = os.Environ()
	}
	for k, v := range lt.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", runtime, err)
	}

	p := &process{cmd: cmd, urlCh: make(chan string, 1), done: make(chan struct{})}

	go p.pipeStdio(stdout, "stdout", output, false)
	go p.pipeStdio(stderr, "stderr", output, true)
	go p.reap()

	return p, nil
}

// newContainerRuntime resolves a ContainerBackend to its container.Runtime
// implementation. Lives here rather than in internal/container itself to
// avoid an import cycle (container defines the Runtime interface; docker
// and applecontainer both depend on it).
func newContainerRuntime(backend config.ContainerBackend) (container.Runtime, error) {
	switch backend {
	case config.ContainerBackendAppleContainer:
		return applecontainer.NewRuntime()
	default:
		return docker.NewRuntime()
	}
}

// spawnContainerized creates and starts an idle keep-alive container from
// lt.Container's image, then execs lt.Runtime against lt.Entry inside it via
// ExecInteractive, piping the resulting stdio the same way a bare subprocess
// would be (spec §4.6's launch semantics are unchanged; only the process
// boundary moves).
func spawnContainerized(lt LaunchTarget, output *outputbuffer.Buffer) (*process, error) {
	runtime := lt.Runtime
	if runtime == "" {
		runtime = "node"
	}

	rt, err := newContainerRuntime(lt.Container.Backend)
	if err != nil {
		return nil, fmt.Errorf("resolving container runtime: %w", err)
	}

	ctx := context.Background()
	containerID, err := rt.Create(ctx, container.CreateConfig{
		Image:      lt.Container.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: lt.Cwd,
		AutoRemove: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	if err := rt.Start(ctx, containerID); err != nil {
		return nil, fmt.Errorf("starting container %s: %w", containerID, err)
	}

	var env []string
	for k, v := range lt.Env {
		env = append(env, k+"="+v)
	}
	args := append([]string{runtime, "--inspect-brk=0", lt.Entry}, lt.Args...)
	iexec, err := rt.ExecInteractive(ctx, containerID, container.ExecConfig{
		Cmd:          args,
		Env:          env,
		WorkingDir:   lt.Cwd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		_ = rt.Stop(ctx, containerID)
		return nil, fmt.Errorf("exec'ing %s in container %s: %w", runtime, containerID, err)
	}

	p := &process{
		runtime:     rt,
		containerID: containerID,
		exec:        iexec,
		urlCh:       make(chan string, 1),
		done:        make(chan struct{}),
	}

	go p.pipeStdio(iexec.Stdout, "stdout", output, false)
	go p.pipeStdio(iexec.Stderr, "stderr", output, true)
	go p.reapContainer()

	return p, nil
}

func (p *process) reapContainer() {
	code, err := p.exec.Wait()
	p.mu.Lock()
	p.exitCode = &code
	p.mu.Unlock()
	if err != nil {
		logger.Info("debug session container process %s exited: %v", p.containerID, err)
	}
	close(p.done)
}

// pipeStdio copies one stream line-by-line into output as stdio entries,
// additionally scanning stderr for the inspector's ws:// banner.
func (p *process) pipeStdio(r io.Reader, stream string, output *outputbuffer.Buffer, scanForURL bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var offset int64
	for scanner.Scan() {
		line := scanner.Text()
		output.Append(outputbuffer.Entry{
			Kind:   outputbuffer.KindStdio,
			Stream: stream,
			Text:   line,
			Offset: offset,
		})
		offset += int64(len(line)) + 1

		if scanForURL {
			if m := inspectorURLPattern.FindStringSubmatch(line); m != nil {
				p.urlOnce.Do(func() { p.urlCh <- m[1] })
			}
		}
	}
}

func (p *process) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	if p.cmd.ProcessState != nil {
		code := p.cmd.ProcessState.ExitCode()
		p.exitCode = &code
		if status, ok := p.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			p.signal = status.Signal().String()
		}
	}
	p.mu.Unlock()
	if err != nil {
		logger.Info("debug session process %d exited: %v", p.cmd.Process.Pid, err)
	}
	close(p.done)
}

// waitForInspectorURL blocks until the child prints its ws:// banner or ctx
// is cancelled.
func (p *process) waitForInspectorURL(ctx context.Context) (string, error) {
	select {
	case url := <-p.urlCh:
		return url, nil
	case <-ctx.Done():
		return "", fmt.Errorf("timed out waiting for inspector URL: %w", ctx.Err())
	}
}

// terminate sends SIGTERM, escalating to SIGKILL after killGrace if the
// process hasn't exited, and returns its final exit code/signal if known.
// For a containerized process, Stop/Remove plays the same role.
func (p *process) terminate(ctx context.Context) (*int, string) {
	if p.runtime != nil {
		return p.terminateContainer(ctx)
	}

	if p.cmd.Process == nil {
		return nil, ""
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-p.done:
	case <-time.After(killGrace):
		_ = p.cmd.Process.Kill()
		<-p.done
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.done
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.signal
}

func (p *process) terminateContainer(ctx context.Context) (*int, string) {
	_ = p.exec.Close()
	if err := p.runtime.Stop(ctx, p.containerID); err != nil {
		logger.Info("debug session: stopping container %s: %v", p.containerID, err)
	}
	_ = p.runtime.Remove(ctx, p.containerID, true)
	_ = p.runtime.Close()

	select {
	case <-p.done:
	case <-time.After(killGrace):
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.signal
}
