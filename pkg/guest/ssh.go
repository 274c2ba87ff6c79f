// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package guest runs commands inside guests.
package guest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/execcontext"
	"github.com/alexandremahdhaoui/virtcase/pkg/process"
	"golang.org/x/crypto/ssh"
)

var (
	errReadPrivateKey  = errors.New("unable to read private key")
	errParsePrivateKey = errors.New("unable to parse private key")
	errNoAuthMethod    = errors.New("no SSH authentication method configured")
	errDial            = errors.New("unable to connect to guest")
	errNewSession      = errors.New("unable to create SSH session")
	errRemoteCommand   = errors.New("remote command did not report an exit status")
)

const (
	defaultPort          = "22"
	defaultDialTimeout   = 10 * time.Second
	defaultRetryInterval = 5 * time.Second
)

// Session runs commands in a guest.
type Session interface {
	// Cmd runs a shell command line. A non-zero exit status is not an error.
	Cmd(ctx context.Context, command string) (*process.Result, error)
	Close() error
}

// Config describes how to reach a guest over SSH.
type Config struct {
	Host           string
	Port           string
	User           string
	Password       string
	PrivateKey     []byte
	PrivateKeyPath string
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// RetryInterval is the pause between connection attempts.
	RetryInterval time.Duration
}

func (c Config) addr() string {
	port := c.Port
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(c.Host, port)
}

func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	key := c.PrivateKey
	if len(key) == 0 && c.PrivateKeyPath != "" {
		var err error
		key, err = os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, errors.Join(err, errReadPrivateKey)
		}
	}
	if len(key) > 0 {
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Join(err, errParsePrivateKey)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, errNoAuthMethod
	}

	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}

	return &ssh.ClientConfig{
		User: c.User,
		Auth: auth,
		// Guests are disposable and regenerate host keys on every install.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// SSHSession is a Session over one SSH connection.
type SSHSession struct {
	client *ssh.Client
	addr   string
}

// Dial connects to the guest, retrying until the SSH server answers or ctx is done.
func Dial(ctx context.Context, cfg Config) (*SSHSession, error) {
	config, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}

	interval := cfg.RetryInterval
	if interval == 0 {
		interval = defaultRetryInterval
	}

	addr := cfg.addr()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		client, err := dial(ctx, addr, config)
		if err == nil {
			return &SSHSession{client: client, addr: addr}, nil
		}
		slog.Debug("failed to ssh to guest, retrying", "addr", addr, "error", err.Error())

		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err(), fmt.Errorf("addr=%s", addr), errDial)
		case <-tick.C:
		}
	}
}

func dial(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Cmd implements Session. When ctx is done the remote command is sent SIGKILL and
// the session is closed.
func (s *SSHSession) Cmd(ctx context.Context, command string) (*process.Result, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("addr=%s", s.addr), errNewSession)
	}
	defer runFuncAndLogErr(session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return nil, errors.Join(ctx.Err(), fmt.Errorf("command=%q", command), errRemoteCommand)
	case runErr = <-done:
	}

	res := &process.Result{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.ExitStatus = exitErr.ExitStatus()
	default:
		return res, errors.Join(runErr, fmt.Errorf("command=%q", command), errRemoteCommand)
	}

	slog.Debug("guest command finished", "addr", s.addr, "command", command, "exitStatus", res.ExitStatus)
	return res, nil
}

// Close implements Session.
func (s *SSHSession) Close() error {
	return s.client.Close()
}

// Runner adapts a Session to process.Runner, quoting arguments for the guest shell.
func Runner(s Session) process.Runner {
	return process.RunnerFunc(func(ctx context.Context, name string, args ...string) (*process.Result, error) {
		return s.Cmd(ctx, execcontext.FormatCmd(execcontext.Empty(), append([]string{name}, args...)...))
	})
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Debug("error closing ssh session", "err", err.Error())
	}
}

var _ Session = (*SSHSession)(nil)
