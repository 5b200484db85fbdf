package adapter

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/capulus-code-ninja/cdb-nexus/internal/logging"
	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Docker spawns cdb.exe inside a container, for sandboxed symbol-server
// access and reproducible debugger environments. It mirrors the
// create-container/attach-stdio shape used elsewhere in this module's
// runtime layer, simplified to a single long-lived debugger process instead
// of a pool of ad hoc exec sessions.
type Docker struct {
	Client      *client.Client
	Image       string
	DumpDir     string // host directory bind-mounted read-only into the container
	SymbolDir   string // host symbol cache directory bind-mounted read-only

	mu          sync.Mutex
	containerID string
	hijacked    io.Closer
	stdin       io.Writer
	lines       chan Line
	alive       bool
	pid         int
}

// NewDocker returns a Docker adapter using the given client and image.
func NewDocker(cli *client.Client, image, dumpDir, symbolDir string) *Docker {
	return &Docker{Client: cli, Image: image, DumpDir: dumpDir, SymbolDir: symbolDir}
}

// Start creates and starts a container running cdb.exe against the bound
// dump directory, attaching to its stdio.
func (d *Docker) Start(ctx context.Context, req StartRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	containerCfg := &container.Config{
		Image:        d.Image,
		Cmd:          append([]string{"cdb.exe", "-z", req.DumpPath}, req.ExtraArgs...),
		Tty:          false,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"cdb-nexus.role": "debug-session",
		},
	}
	if req.SymbolPath != "" {
		containerCfg.Cmd = append(containerCfg.Cmd, "-y", req.SymbolPath)
	}

	hostCfg := &container.HostConfig{
		AutoRemove:  false,
		NetworkMode: container.NetworkMode("none"),
	}
	if d.DumpDir != "" {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   d.DumpDir,
			Target:   "/dumps",
			ReadOnly: true,
		})
	}
	if d.SymbolDir != "" {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   d.SymbolDir,
			Target:   "/symbols",
			ReadOnly: true,
		})
	}

	resp, err := d.Client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return &types.SpawnFailedError{Reason: "container create", Cause: err}
	}
	d.containerID = resp.ID

	attachResp, err := d.Client.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return &types.SpawnFailedError{Reason: "container attach", Cause: err}
	}
	d.hijacked = attachResp.Conn
	d.stdin = attachResp.Conn

	if err := d.Client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return &types.SpawnFailedError{Reason: "container start", Cause: err}
	}

	inspect, err := d.Client.ContainerInspect(ctx, resp.ID)
	if err == nil {
		d.pid = inspect.State.Pid
	}

	d.lines = make(chan Line, 4096)
	d.alive = true
	go d.demux(attachResp.Reader)

	return nil
}

// demux un-multiplexes the container's stdout/stderr stream (Docker's
// 8-byte-header framing) back into a flat byte stream and splits it into
// lines on d.lines. Both of stdcopy.StdCopy's writer arguments are the same
// lineWriter, the teacher's own trick for this exact problem (see
// streamWriter in internal/runtime/docker/docker.go): demultiplexing stdout
// from stderr into separate readers would let a goroutine scheduling hiccup
// reorder lines relative to how the debugger actually printed them, and the
// framer's line-by-line sentinel matching depends on that order being
// exact. Source is always Out; cdb.exe's own interleaved output doesn't
// carry a meaningful stdout/stderr distinction for our purposes.
func (d *Docker) demux(r *bufio.Reader) {
	writer := &lineWriter{lines: d.lines}
	_, _ = stdcopy.StdCopy(writer, writer, r)
	writer.flush()

	d.mu.Lock()
	d.alive = false
	d.mu.Unlock()
	close(d.lines)
}

// lineWriter implements io.Writer, buffering partial writes and emitting
// one Line per newline-terminated chunk it accumulates.
type lineWriter struct {
	buf   []byte
	lines chan<- Line
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		text := strings.TrimRight(string(w.buf[:idx]), "\r")
		w.lines <- Line{Text: text, Source: Out}
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

// flush emits any trailing partial line once the stream has ended.
func (w *lineWriter) flush() {
	if len(w.buf) == 0 {
		return
	}
	w.lines <- Line{Text: strings.TrimRight(string(w.buf), "\r"), Source: Out}
	w.buf = nil
}

// WriteLine appends a newline, writes, and flushes.
func (d *Docker) WriteLine(line string) error {
	d.mu.Lock()
	stdin := d.stdin
	alive := d.alive
	d.mu.Unlock()

	if !alive || stdin == nil {
		return types.ErrIoClosed
	}
	_, err := io.WriteString(stdin, line+"\n")
	return err
}

// Lines returns the merged, ordered stdout+stderr line channel.
func (d *Docker) Lines() <-chan Line {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lines
}

// IsAlive reports whether the container is still running.
func (d *Docker) IsAlive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive
}

// PID returns the in-container process id of the debugger, or 0.
func (d *Docker) PID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pid
}

// QuitThenKill writes "q" on a line, waits up to grace, then stops the
// container if it is still running.
func (d *Docker) QuitThenKill(grace time.Duration) {
	_ = d.WriteLine("q")

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !d.IsAlive() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	d.mu.Lock()
	containerID := d.containerID
	d.mu.Unlock()
	if containerID == "" {
		return
	}
	timeoutSecs := 0
	if err := d.Client.ContainerStop(context.Background(), containerID, container.StopOptions{Timeout: &timeoutSecs}); err != nil {
		logging.Warn("docker adapter: container stop failed", logging.String("container", containerID), logging.Err(err))
	}
}

// Close releases all resources, stopping the container if still running.
func (d *Docker) Close() error {
	d.mu.Lock()
	hijacked := d.hijacked
	containerID := d.containerID
	alive := d.alive
	d.mu.Unlock()

	if alive && containerID != "" {
		timeoutSecs := 0
		_ = d.Client.ContainerStop(context.Background(), containerID, container.StopOptions{Timeout: &timeoutSecs})
	}
	if hijacked != nil {
		_ = hijacked.Close()
	}
	if containerID != "" {
		_ = d.Client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}
	return nil
}
