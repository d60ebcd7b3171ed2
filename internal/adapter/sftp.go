package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/opsverify/conncheck/internal/bridge"
	"github.com/opsverify/conncheck/internal/config"
	"github.com/opsverify/conncheck/internal/result"
)

// SFTPParams configures an SFTP adapter.
type SFTPParams struct {
	config.SFTPConfig

	Timeout  time.Duration
	Delegate *bridge.Delegate
}

// sftpAdapter probes an SFTP server over an SSH transport.
type sftpAdapter struct {
	params SFTPParams
	log    logrus.FieldLogger

	sshConn *ssh.Client
	client  *sftp.Client
}

// NewSFTP builds the SFTP adapter for the given parameters.
func NewSFTP(params SFTPParams, log logrus.FieldLogger) FileTransfer {
	if params.Delegate != nil {
		return &delegatedFileTransfer{delegated: delegated{
			delegate: params.Delegate,
			protocol: result.ProtocolSFTP,
			host:     params.Host,
			port:     params.Port,
		}}
	}

	return &sftpAdapter{
		params: params,
		log:    log.WithField("adapter", "sftp"),
	}
}

func (a *sftpAdapter) Protocol() result.Protocol { return result.ProtocolSFTP }

func (a *sftpAdapter) addr() string {
	return net.JoinHostPort(a.params.Host, fmt.Sprintf("%d", a.params.Port))
}

func (a *sftpAdapter) sshConfig() *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User: a.params.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(a.params.Password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // probe targets are operator-declared test hosts
		Timeout:         a.params.Timeout,
	}
}

func (a *sftpAdapter) dial() (*ssh.Client, *sftp.Client, error) {
	sshConn, err := ssh.Dial("tcp", a.addr(), a.sshConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", a.addr(), err)
	}

	client, err := sftp.NewClient(sshConn)
	if err != nil {
		_ = sshConn.Close()
		return nil, nil, fmt.Errorf("starting sftp subsystem: %w", err)
	}

	return sshConn, client, nil
}

// ensureClient opens the shared session on first use.
func (a *sftpAdapter) ensureClient() (*sftp.Client, error) {
	if a.client != nil {
		return a.client, nil
	}

	sshConn, client, err := a.dial()
	if err != nil {
		return nil, err
	}

	a.sshConn = sshConn
	a.client = client

	return a.client, nil
}

// TestConnectivity establishes the SSH transport and reports the server
// version banner.
func (a *sftpAdapter) TestConnectivity(_ context.Context) Outcome {
	start := time.Now()

	client, err := a.ensureClient()
	if err != nil {
		return probeFailure(start, err, sftpFailure(err))
	}

	wd, err := client.Getwd()
	if err != nil {
		return probeFailure(start, fmt.Errorf("reading working directory: %w", err), result.FailureUnreachable)
	}

	return pass(start, fmt.Sprintf("connected to %s", a.addr())).
		With("server_version", string(a.sshConn.ServerVersion())).
		With("working_dir", wd)
}

// TestAuthentication performs a fresh handshake so a cached session cannot
// mask revoked credentials.
func (a *sftpAdapter) TestAuthentication(_ context.Context) Outcome {
	start := time.Now()

	sshConn, client, err := a.dial()
	if err != nil {
		return probeFailure(start, err, sftpFailure(err))
	}
	defer func() {
		_ = client.Close()
		_ = sshConn.Close()
	}()

	return pass(start, fmt.Sprintf("authenticated as %s", a.params.Username)).
		With("username", a.params.Username)
}

// TestDirectoryAccess lists the configured directory and stats it.
func (a *sftpAdapter) TestDirectoryAccess(_ context.Context, dir string) Outcome {
	start := time.Now()

	client, err := a.ensureClient()
	if err != nil {
		return probeFailure(start, err, sftpFailure(err))
	}

	info, err := client.Stat(dir)
	if err != nil {
		return fail(start, result.FailureFunctional, fmt.Errorf("stat %s: %w", dir, err)).
			With("directory", dir)
	}

	if !info.IsDir() {
		return fail(start, result.FailureFunctional, fmt.Errorf("%s is not a directory", dir)).
			With("directory", dir)
	}

	entries, err := client.ReadDir(dir)
	if err != nil {
		return fail(start, result.FailureFunctional, fmt.Errorf("listing %s: %w", dir, err)).
			With("directory", dir)
	}

	return pass(start, fmt.Sprintf("listed %s (%d entries)", dir, len(entries))).
		With("directory", dir).
		With("entries", len(entries))
}

// TestRoundTrip uploads a small marker file, downloads it back, compares the
// bytes and removes the file. A failed removal does not override the verdict
// of the compare step; it is recorded as a cleanup failure instead.
func (a *sftpAdapter) TestRoundTrip(_ context.Context, dir string) Outcome {
	start := time.Now()

	client, err := a.ensureClient()
	if err != nil {
		return probeFailure(start, err, sftpFailure(err))
	}

	name := path.Join(dir, fmt.Sprintf("conncheck-%s.dat", uuid.New().String()))
	payload := make([]byte, 1024)
	copy(payload, []byte(fmt.Sprintf("conncheck probe %s", time.Now().Format(time.RFC3339Nano))))

	remote, err := client.Create(name)
	if err != nil {
		return fail(start, result.FailureFunctional, fmt.Errorf("creating %s: %w", name, err)).
			With("file", name)
	}

	if _, err := remote.Write(payload); err != nil {
		_ = remote.Close()
		return fail(start, result.FailureFunctional, fmt.Errorf("writing %s: %w", name, err)).
			With("file", name)
	}

	if err := remote.Close(); err != nil {
		return fail(start, result.FailureFunctional, fmt.Errorf("flushing %s: %w", name, err)).
			With("file", name)
	}

	outcome := a.verifyDownload(start, client, name, payload)

	if err := client.Remove(name); err != nil {
		a.log.WithError(err).WithField("file", name).Warn("failed to remove round trip file")

		outcome = outcome.With(result.MetaCleanupFailure, err.Error())
	}

	return outcome
}

func (a *sftpAdapter) verifyDownload(start time.Time, client *sftp.Client, name string, payload []byte) Outcome {
	remote, err := client.Open(name)
	if err != nil {
		return fail(start, result.FailureFunctional, fmt.Errorf("reopening %s: %w", name, err)).
			With("file", name)
	}
	defer func() { _ = remote.Close() }()

	got, err := io.ReadAll(remote)
	if err != nil {
		return fail(start, result.FailureFunctional, fmt.Errorf("downloading %s: %w", name, err)).
			With("file", name)
	}

	if !bytes.Equal(got, payload) {
		return fail(start, result.FailureFunctional,
			fmt.Errorf("downloaded content differs: wrote %d bytes, read %d", len(payload), len(got))).
			With("file", name)
	}

	return pass(start, fmt.Sprintf("round trip of %d bytes through %s", len(payload), path.Dir(name))).
		With("file", name).
		With("bytes", len(payload))
}

// Close releases the shared session.
func (a *sftpAdapter) Close() error {
	var errs []error

	if a.client != nil {
		if err := a.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing sftp client: %w", err))
		}

		a.client = nil
	}

	if a.sshConn != nil {
		if err := a.sshConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing ssh transport: %w", err))
		}

		a.sshConn = nil
	}

	if len(errs) > 0 {
		return errs[0]
	}

	return nil
}

// sftpFailure classifies SSH handshake errors. The ssh package reports
// credential rejection with a stable prefix rather than a typed error.
func sftpFailure(err error) result.Failure {
	if err == nil {
		return result.FailureUnreachable
	}

	if strings.Contains(err.Error(), "ssh: unable to authenticate") ||
		strings.Contains(err.Error(), "ssh: handshake failed") && strings.Contains(err.Error(), "auth") {
		return result.FailureAuthRejected
	}

	return result.FailureUnreachable
}
