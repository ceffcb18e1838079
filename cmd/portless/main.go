// Command portless launches a development command behind a stable
// "<name>.localhost" URL, starting and coordinating with the portlessd
// daemon as needed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	oklogrun "github.com/oklog/run"
	"github.com/peterbourgon/ff/v3"

	"github.com/portless-dev/portless/internal/daemon"
	"github.com/portless-dev/portless/internal/portlesserr"
	"github.com/portless-dev/portless/internal/probe"
	"github.com/portless-dev/portless/internal/routestore"
	"github.com/portless-dev/portless/internal/statedir"
)

const (
	backendPortLow  = 4000
	backendPortHigh = 4999
)

func main() {
	err := run(context.Background(), os.Args[1:])
	if err == nil {
		os.Exit(0)
	}
	if code, ok := exitCode(err); ok {
		os.Exit(code)
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
	os.Exit(1)
}

// exitError carries a process exit code through the call stack without
// being mistaken for a reportable failure by main's error printer.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func exitCode(err error) (int, bool) {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code, true
	}
	return 0, false
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "proxy":
		return runProxyCommand(ctx, args[1:])
	case "list":
		return runList()
	}

	name, command := args[0], args[1:]
	if bypassed() {
		return runChildOnly(command)
	}
	return runWithProxy(ctx, name, command)
}

func bypassed() bool {
	switch os.Getenv("PORTLESS") {
	case "0", "skip":
		return true
	default:
		return false
	}
}

func runWithProxy(ctx context.Context, nameArg string, command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("portless: missing command to run")
	}

	hostname, err := routestore.ParseHostname(nameArg)
	if err != nil {
		return fmt.Errorf("portless: %w", err)
	}

	stateDir, proxyPort, err := ensureDaemon(ctx)
	if err != nil {
		return err
	}

	store, err := routestore.New(stateDir)
	if err != nil {
		return err
	}

	backendPort, err := allocatePort()
	if err != nil {
		return err
	}

	route := routestore.Route{Hostname: hostname, Port: backendPort, PID: os.Getpid()}
	if err := store.Add(route); err != nil {
		return err
	}

	url := routestore.FormatURL(hostname, proxyPort)
	fmt.Fprintf(os.Stdout, "%s %s\n", color.GreenString("portless:"), color.CyanString(url))
	fmt.Fprintf(os.Stdout, "%s\n", color.New(color.Faint).Sprintf("portless: backend port %d", backendPort))

	env := append(os.Environ(),
		fmt.Sprintf("PORT=%d", backendPort),
		"HOST=127.0.0.1",
	)

	err = execForward(command, env)

	if removeErr := store.Remove(hostname); removeErr != nil && err == nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.YellowString("portless: warning:"), removeErr)
	}
	shutdownIfIdle(store, stateDir)

	return err
}

func runChildOnly(command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("portless: missing command to run")
	}
	return execForward(command, nil)
}

// execForward runs command to completion, forwarding SIGINT/SIGTERM to the
// child and mapping the outcome to the launcher's own exit code: the
// child's exit status if it exited normally, or 128+signal if the launcher
// itself was signalled first or the child was killed by a signal.
func execForward(command []string, env []string) error {
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if env != nil {
		cmd.Env = env
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("portless: start command: %w", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case sig := <-sigc:
		cmd.Process.Signal(sig)
		<-waitDone
		return &exitError{code: 128 + int(sig.(syscall.Signal))}
	case err := <-waitDone:
		return &exitError{code: exitCodeFromWait(err)}
	}
}

func isSignalError(err error) bool {
	var sig oklogrun.SignalError
	return errors.As(err, &sig)
}

func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return 1
}

// ensureDaemon discovers a running daemon or auto-starts one, returning
// once the liveness probe confirms it is answering.
func ensureDaemon(ctx context.Context) (dir string, port uint16, err error) {
	dir, port = statedir.Discover(statedir.DefaultPort)
	if probe.IsRunning(port) {
		return dir, port, nil
	}

	if err := startDaemon(dir, port); err != nil {
		return "", 0, err
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if probe.IsRunning(port) {
			return dir, port, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return "", 0, portlesserr.New(portlesserr.ProxyNotRunning, "launcher.ensureDaemon",
		fmt.Errorf("daemon did not become ready on port %d within 5s", port))
}

// startDaemon spawns portlessd detached from the launcher's session,
// redirecting its combined output to proxy.log.
func startDaemon(dir string, port uint16) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return portlesserr.New(portlesserr.RegistryIO, "launcher.startDaemon", err)
	}

	exe, err := portlessdPath()
	if err != nil {
		return fmt.Errorf("portless: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, "proxy.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return portlesserr.New(portlesserr.RegistryIO, "launcher.startDaemon", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, "-port", strconv.Itoa(int(port)), "-state-dir", dir)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return portlesserr.New(portlesserr.ProxyNotRunning, "launcher.startDaemon", err)
	}
	return nil
}

func portlessdPath() (string, error) {
	if p, err := exec.LookPath("portlessd"); err == nil {
		return p, nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate portlessd: %w", err)
	}
	sibling := filepath.Join(filepath.Dir(self), "portlessd")
	if _, err := os.Stat(sibling); err == nil {
		return sibling, nil
	}
	return "", fmt.Errorf("portlessd binary not found in PATH or alongside %s", self)
}

// allocatePort finds a free backend port by probing net.Listen: random
// sampling first to spread concurrent launchers apart, then an exhaustive
// scan to guarantee a hit exists before declaring the range exhausted.
func allocatePort() (uint16, error) {
	tried := make(map[int]bool, backendPortHigh-backendPortLow+1)
	span := backendPortHigh - backendPortLow + 1

	for i := 0; i < 50; i++ {
		p := backendPortLow + rand.Intn(span)
		if tried[p] {
			continue
		}
		tried[p] = true
		if ok := portFree(p); ok {
			return uint16(p), nil
		}
	}

	for p := backendPortLow; p <= backendPortHigh; p++ {
		if tried[p] {
			continue
		}
		if ok := portFree(p); ok {
			return uint16(p), nil
		}
	}

	return 0, portlesserr.New(portlesserr.ProxyNotRunning, "launcher.allocatePort",
		fmt.Errorf("no free port in %d-%d", backendPortLow, backendPortHigh))
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

func shutdownIfIdle(store *routestore.Store, stateDir string) {
	routes, err := store.Load(false)
	if err != nil || len(routes) > 0 {
		return
	}
	daemon.Stop(stateDir)
}

func runProxyCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("portless proxy: expected a subcommand (start, stop)")
	}
	switch args[0] {
	case "start":
		fs := flag.NewFlagSet("portless proxy start", flag.ContinueOnError)
		foreground := fs.Bool("foreground", false, "run the daemon in the foreground instead of detaching")
		if err := ff.Parse(fs, args[1:], ff.WithEnvVarPrefix("PORTLESS")); err != nil {
			return err
		}
		return runProxyStart(ctx, *foreground)
	case "stop":
		return runProxyStop()
	default:
		return fmt.Errorf("portless proxy: unknown subcommand %q", args[0])
	}
}

func runProxyStart(ctx context.Context, foreground bool) error {
	dir, port := statedir.Discover(statedir.DefaultPort)
	if probe.IsRunning(port) {
		fmt.Fprintf(os.Stdout, "%s already running on port %d\n", color.YellowString("portless:"), port)
		return nil
	}

	if foreground {
		logger := log.New(os.Stderr, "", log.LstdFlags)
		err := daemon.Run(ctx, daemon.Config{StateDir: dir, Port: port, Logger: logger})
		if err != nil && isSignalError(err) {
			return nil
		}
		return err
	}

	if err := startDaemon(dir, port); err != nil {
		return err
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if probe.IsRunning(port) {
			fmt.Fprintf(os.Stdout, "%s started on port %d\n", color.GreenString("portless:"), port)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return portlesserr.New(portlesserr.ProxyNotRunning, "launcher.runProxyStart", fmt.Errorf("daemon did not become ready"))
}

func runProxyStop() error {
	dir, port := statedir.Discover(statedir.DefaultPort)
	if !probe.IsRunning(port) {
		fmt.Fprintf(os.Stdout, "%s not running\n", color.YellowString("portless:"))
		return nil
	}
	if err := daemon.Stop(dir); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s stopped\n", color.GreenString("portless:"))
	return nil
}

func runList() error {
	dir, port := statedir.Discover(statedir.DefaultPort)
	if !probe.IsRunning(port) {
		fmt.Fprintf(os.Stdout, "%s\n", color.YellowString("portless: not running, no active routes"))
		return nil
	}

	store, err := routestore.New(dir)
	if err != nil {
		return err
	}
	routes, err := store.Load(false)
	if err != nil {
		return err
	}
	if len(routes) == 0 {
		fmt.Fprintf(os.Stdout, "%s\n", color.New(color.Faint).Sprint("portless: no active routes"))
		return nil
	}

	for _, r := range routes {
		fmt.Fprintf(os.Stdout, "  %s %s %s\n",
			color.CyanString(routestore.FormatURL(r.Hostname, port)),
			color.New(color.Faint).Sprintf("-> 127.0.0.1:%d", r.Port),
			color.New(color.Faint).Sprintf("(pid %d)", r.PID))
	}
	return nil
}

func printUsage() {
	fmt.Fprintln(os.Stdout, "USAGE")
	fmt.Fprintln(os.Stdout, "  portless <name> <command...>")
	fmt.Fprintln(os.Stdout, "  portless proxy start [--foreground]")
	fmt.Fprintln(os.Stdout, "  portless proxy stop")
	fmt.Fprintln(os.Stdout, "  portless list")
}
